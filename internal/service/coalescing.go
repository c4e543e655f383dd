package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/tank-level-service/internal/models"
)

// inFlightRequest tracks a single upstream request that multiple callers may wait for.
type inFlightRequest struct {
	done   chan struct{}
	result models.Reading
	err    error
}

// requestCoalescer collapses concurrent fetches for the same key into one
// upstream call (timer poll and manual refresh hitting the same channel).
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight request for key or starts fn. shared is true
// when the caller joined another caller's request. fn runs detached from the
// caller's cancellation so one impatient waiter cannot fail the others; waiting
// is bounded by ctx and the coalescer timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.Reading, error)) (reading models.Reading, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		go rc.run(context.WithoutCancel(ctx), key, req, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return models.Reading{}, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(ctx context.Context, key string, req *inFlightRequest, fn func(context.Context) (models.Reading, error)) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	req.result, req.err = fn(ctx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(req.done)
}
