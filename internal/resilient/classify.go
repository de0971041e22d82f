package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// oomMarkers are substrings that identify an exhausted model runtime. These
// usually arrive inside a 500 body from a GPU host.
var oomMarkers = []string{
	"gpu out of memory",
	"cuda out of memory",
	"cuda oom",
	"out of memory",
}

// classifyTransport maps a transport-level error (no HTTP response) to a kind.
func classifyTransport(host string, err error) *domain.ClassifiedError {
	switch {
	case errors.Is(err, context.Canceled):
		return domain.Classify(domain.KindShutdown, host, err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Classify(domain.KindTimeout, host, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Classify(domain.KindTimeout, host, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return domain.Classify(domain.KindConnectionFailed, host, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.Classify(domain.KindConnectionFailed, host, err)
	}
	return domain.Classify(domain.KindConnectionFailed, host, err)
}

// classifyStatus maps a non-2xx HTTP response to a kind. The body is
// inspected for runtime OOM markers, which outrank the status code.
func classifyStatus(host string, status int, body []byte) *domain.ClassifiedError {
	msg := strings.ToLower(string(body))
	for _, marker := range oomMarkers {
		if strings.Contains(msg, marker) {
			return domain.Classify(domain.KindMemoryExhausted, host,
				fmt.Errorf("HTTP %d: %s", status, snippet(body)))
		}
	}

	switch {
	case status >= 500:
		return domain.Classify(domain.KindServerError, host,
			fmt.Errorf("HTTP %d: %s", status, snippet(body)))
	case status == http.StatusTooManyRequests:
		return domain.Classify(domain.KindServerError, host,
			fmt.Errorf("HTTP 429: %s", snippet(body)))
	default:
		return domain.Classify(domain.KindInvalidPayload, host,
			fmt.Errorf("HTTP %d: %s", status, snippet(body)))
	}
}

// classifyDecode wraps a JSON decoding failure of a 2xx body.
func classifyDecode(host string, err error) *domain.ClassifiedError {
	return domain.Classify(domain.KindInvalidPayload, host, fmt.Errorf("decode response: %w", err))
}

// asClassified normalizes any error into a ClassifiedError attributed to host.
func asClassified(host string, err error) *domain.ClassifiedError {
	var ce *domain.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	var jsonErr *json.SyntaxError
	if errors.As(err, &jsonErr) {
		return classifyDecode(host, err)
	}
	return classifyTransport(host, err)
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
