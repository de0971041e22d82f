package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// RetryPolicy shapes the backoff between attempts against one host.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// EventSink receives structured retry/breaker events. Implemented by the
// observability event log; nil-safe via the noop sink.
type EventSink interface {
	TaskEvent(level, taskID, event string, fields map[string]any)
}

type noopSink struct{}

func (noopSink) TaskEvent(string, string, string, map[string]any) {}

// BuildFunc creates a fresh request for one attempt against host. The request
// body must be rebuildable — a new request is built per attempt.
type BuildFunc func(ctx context.Context, host domain.HostDescriptor) (*http.Request, error)

// Response is the successful outcome of Do.
type Response struct {
	Host       string // host that served the call
	Cloud      bool   // true when the cloud fallback answered
	Attempts   int    // total calls issued across candidates and fallback
	StatusCode int
	Body       []byte
}

// Client executes one logical outbound call across a candidate list with
// retry, breaker checks, and cloud fallback.
type Client struct {
	httpClient *http.Client
	breakers   *BreakerRegistry
	retry      RetryPolicy

	cloud          *domain.HostDescriptor // nil when fallback disabled
	cloudQualifies func(taskType string) bool

	events EventSink
}

// NewClient creates a resilient client. cloud may be nil; events may be nil.
func NewClient(breakers *BreakerRegistry, retry RetryPolicy,
	cloud *domain.HostDescriptor, cloudQualifies func(string) bool, events EventSink) *Client {

	if events == nil {
		events = noopSink{}
	}
	if cloudQualifies == nil {
		cloudQualifies = func(string) bool { return false }
	}
	return &Client{
		// Per-call deadlines come from each host's timeout.
		httpClient:     &http.Client{},
		breakers:       breakers,
		retry:          retry,
		cloud:          cloud,
		cloudQualifies: cloudQualifies,
		events:         events,
	}
}

// Breakers exposes the registry for status reporting.
func (c *Client) Breakers() *BreakerRegistry { return c.breakers }

// Do walks the candidate list in order. Hosts with an open breaker are
// skipped. Each host gets up to MaxAttempts tries with exponential backoff and
// jitter; non-retryable failures surface immediately. When every candidate is
// exhausted, a qualifying task type gets a single un-retried cloud call.
func (c *Client) Do(ctx context.Context, taskID, taskType string,
	candidates []domain.HostDescriptor, build BuildFunc) (*Response, error) {

	var lastErr error
	attempts := 0

	for _, host := range candidates {
		cb := c.breakers.Get(host.Name)
		if cb.State() == gobreaker.StateOpen {
			// Cooldown not elapsed — no outbound calls to this host.
			continue
		}

		resp, err := c.tryHost(ctx, cb, taskID, host, build, &attempts)
		if err == nil {
			resp.Attempts = attempts
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, domain.Classify(domain.KindShutdown, host.Name, ctx.Err())
		}
		ce := asClassified(host.Name, err)
		if !ce.Kind.Retryable() {
			return nil, ce
		}
		lastErr = ce
	}

	if c.cloud != nil && c.cloudQualifies(taskType) {
		log.Printf("[resilient] %s: in-fleet candidates exhausted, trying cloud fallback", taskID)
		attempts++
		resp, err := c.once(ctx, *c.cloud, build)
		if err == nil {
			resp.Cloud = true
			resp.Attempts = attempts
			return resp, nil
		}
		lastErr = asClassified(c.cloud.Name, err)
	}

	if lastErr == nil {
		lastErr = domain.ErrAllHostsUnavailable
	}
	return nil, domain.Classify(domain.KindAllHostsUnavailable, "",
		fmt.Errorf("%w: %v", domain.ErrAllHostsUnavailable, lastErr))
}

// tryHost runs the per-host attempt loop through the breaker.
func (c *Client) tryHost(ctx context.Context, cb *gobreaker.CircuitBreaker,
	taskID string, host domain.HostDescriptor, build BuildFunc, attempts *int) (*Response, error) {

	bo := c.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		*attempts++
		result, err := cb.Execute(func() (any, error) {
			return c.once(ctx, host, build)
		})
		if err == nil {
			return result.(*Response), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker tripped mid-loop; no call was issued.
			*attempts--
			if lastErr == nil {
				lastErr = domain.Classify(domain.KindConnectionFailed, host.Name, err)
			}
			return nil, asClassified(host.Name, lastErr)
		}
		lastErr = err

		ce := asClassified(host.Name, err)
		if !ce.Kind.Retryable() {
			return nil, ce
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		c.events.TaskEvent("warning", taskID, "task_retry_scheduled", map[string]any{
			"host":     host.Name,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    ce.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.Classify(domain.KindShutdown, host.Name, ctx.Err())
		}
	}
	return nil, lastErr
}

// once performs a single HTTP call against host with the host's timeout.
func (c *Client) once(ctx context.Context, host domain.HostDescriptor, build BuildFunc) (*Response, error) {
	timeout := host.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := build(callCtx, host)
	if err != nil {
		return nil, domain.Classify(domain.KindInvalidPayload, host.Name, err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(host.Name, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransport(host.Name, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, classifyStatus(host.Name, httpResp.StatusCode, body)
	}

	return &Response{Host: host.Name, StatusCode: httpResp.StatusCode, Body: body}, nil
}

// newBackOff builds the per-host backoff policy. With jitter, the k-th delay
// lands in [0.5, 1.5) · min(max_delay, initial · base^(k-1)).
func (c *Client) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialDelay
	bo.MaxInterval = c.retry.MaxDelay
	bo.Multiplier = c.retry.ExponentialBase
	bo.MaxElapsedTime = 0
	if c.retry.Jitter {
		bo.RandomizationFactor = 0.5
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()
	return bo
}
