package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
)

var transientPhrases = []string{
	"rate limit",
	"ratelimit",
	"throttl",
	"too many requests",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

// Retryable reports whether err signals throttling, a temporary outage, a
// connection reset or a timeout.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if passthrough(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ingest.ErrTransient) {
		return true
	}

	var statusErr *ingest.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return (&ingest.StatusError{StatusCode: apiErr.Code}).Retryable() || apiErr.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// passthrough errors are domain outcomes rather than call failures; they are
// returned unchanged and never retried.
func passthrough(err error) bool {
	return errors.Is(err, ingest.ErrReindexConflict) ||
		errors.Is(err, ingest.ErrContentRejected) ||
		errors.Is(err, ingest.ErrValidation) ||
		errors.Is(err, ingest.ErrPreconditionFailed) ||
		errors.Is(err, ingest.ErrObjectNotFound)
}
