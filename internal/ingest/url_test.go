package ingest

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercase host", in: "HTTPS://Example.COM/About", want: "https://example.com/About"},
		{name: "default port", in: "http://example.com:80/x", want: "http://example.com/x"},
		{name: "tls port", in: "https://example.com:443/", want: "https://example.com/"},
		{name: "fragment", in: "https://example.com/a#top", want: "https://example.com/a"},
		{name: "query order", in: "https://example.com/?b=2&a=1", want: "https://example.com/?a=1&b=2"},
		{name: "trailing slash", in: "https://example.com/about/", want: "https://example.com/about"},
		{name: "empty path", in: "https://example.com", want: "https://example.com/"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseStartURL(t *testing.T) {
	t.Parallel()

	u, err := ParseStartURL(" https://www.Example.com/path ")
	require.NoError(t, err)
	assert.Equal(t, "example.com", Domain(u))

	for _, bad := range []string{"", "ftp://example.com", "https://", "::nope"} {
		_, err := ParseStartURL(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, ErrValidation), bad)
	}
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	a, _ := url.Parse("https://www.example.com/a")
	b, _ := url.Parse("http://example.com/b")
	c, _ := url.Parse("https://other.com/")
	assert.True(t, SameHost(a, b))
	assert.False(t, SameHost(a, c))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	exhausted := &CallFailedAfterRetriesError{Operation: "fetch", Attempts: 4, Last: &TransientError{Op: "fetch", Err: cause}}
	assert.True(t, errors.Is(exhausted, ErrCallFailedAfterRetries))
	assert.True(t, errors.Is(exhausted, ErrTransient))
	assert.True(t, errors.Is(exhausted, cause))
	assert.Contains(t, exhausted.Error(), "4 attempts")

	conflict := &ReindexConflictError{Datasource: "example-com"}
	assert.True(t, errors.Is(conflict, ErrReindexConflict))
	assert.False(t, errors.Is(conflict, ErrFatal))

	rejected := &ContentRejectedError{Reason: "too short", Preview: Preview("abcdef", 3)}
	assert.True(t, errors.Is(rejected, ErrContentRejected))
	assert.Equal(t, "abc...", rejected.Preview)

	assert.True(t, (&StatusError{StatusCode: 503}).Retryable())
	assert.False(t, (&StatusError{StatusCode: 404}).Retryable())
}

func TestReindexStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, ReindexStatus{Status: ReindexComplete}.IsComplete())
	assert.True(t, ReindexStatus{Status: ReindexStopped}.IsFailed())
	assert.True(t, ReindexStatus{Status: ReindexStarting}.IsInProgress())
	assert.False(t, ReindexStatus{Status: ReindexComplete}.IsInProgress())
	assert.Equal(t, "websites", SourceWeb.TypeFolder())
	assert.Equal(t, "files", SourceUploadedFile.TypeFolder())
	assert.Equal(t, "other", SourceOther.TypeFolder())
}
