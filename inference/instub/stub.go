// Package instub provides an in-memory, scriptable inference.Client used
// by the orchestrator's own tests, grounded on the fakeClient pattern in
// features/model/middleware/ratelimit_test.go. This is test-only tooling:
// it is not a production remote client, and is imported only from
// _test.go files elsewhere in the module.
package instub

import (
	"context"
	"sync"

	"github.com/flowmesh/orchestrator/inference"
)

// Call records one Submit invocation observed by the stub.
type Call struct {
	Req inference.Request
}

// Stub is a scriptable inference.Client. Callers configure behavior via
// Responses (a per-call queue, consumed front to back) or Func (a hook
// invoked on every call, taking priority over Responses when set).
type Stub struct {
	mu sync.Mutex

	// Responses is consumed in order, one entry per Submit call. When
	// exhausted, the last entry is reused for any further calls.
	Responses []Result

	// Func, when set, is called instead of consulting Responses.
	Func func(ctx context.Context, req inference.Request, callIndex int) (inference.Response, error)

	calls []Call
}

// Result pairs a response with an error for one scripted call.
type Result struct {
	Response inference.Response
	Err      error
}

// Submit implements inference.Client.
func (s *Stub) Submit(ctx context.Context, req inference.Request) (inference.Response, error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, Call{Req: req})
	fn := s.Func
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, idx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Responses) == 0 {
		return inference.Response{}, nil
	}
	i := idx
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	r := s.Responses[i]
	return r.Response, r.Err
}

// Calls returns a copy of the calls observed so far, in order.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Submit calls observed so far.
func (s *Stub) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
