package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostBlocklist(t *testing.T) {
	t.Parallel()

	bl := newHostBlocklist([]string{"Example.org", "*.ru", ".tracker.io", " ", "*."})
	require.NotNil(t, bl)

	cases := map[string]bool{
		"example.org":     true,
		"sub.example.org": false,
		"example.ru":      true,
		"a.b.ru":          true,
		"ru":              true,
		"tracker.io":      true,
		"x.tracker.io":    true,
		"example.com":     false,
		"":                false,
	}
	for host, want := range cases {
		assert.Equal(t, want, bl.blocked(host), host)
	}
}

func TestHostBlocklistEmpty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, newHostBlocklist([]string{"", "  "}))
	var bl *hostBlocklist
	assert.False(t, bl.blocked("anything"))
}
