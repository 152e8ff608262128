package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/credentials"
)

// Records builds raw records {"id": "<prefix><n>", "value": n} for n in [from, to).
func Records(prefix string, from, to int) []json.RawMessage {
	out := make([]json.RawMessage, 0, to-from)
	for n := from; n < to; n++ {
		out = append(out, json.RawMessage(fmt.Sprintf(`{"id":%q,"value":%d}`, prefix+strconv.Itoa(n), n)))
	}
	return out
}

// ScriptedAdapter serves a fixed list of pages chained by tokens "1", "2", ...
// FailAt makes the call for that page index return Err instead, every time or
// only the first FailTimes times when FailTimes is positive. Requests are
// recorded for inspection.
type ScriptedAdapter struct {
	mu        sync.Mutex
	Pages     [][]json.RawMessage
	FailAt    int
	FailTimes int
	Err       error
	failures  int
	requests  []adapter.Request
	// BeforePage, when set, runs before each page is served.
	BeforePage func(index int)
}

// NewScriptedAdapter creates an adapter serving pages in order.
func NewScriptedAdapter(pages ...[]json.RawMessage) *ScriptedAdapter {
	return &ScriptedAdapter{Pages: pages, FailAt: -1}
}

// Fetch implements adapter.Adapter.
func (s *ScriptedAdapter) Fetch(_ context.Context, req adapter.Request) (adapter.Page, error) {
	index := 0
	if req.Token != "" {
		n, err := strconv.Atoi(req.Token)
		if err != nil {
			return adapter.Page{}, adapter.Fatal(fmt.Errorf("bad token %q", req.Token))
		}
		index = n
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	pages, hook := s.Pages, s.BeforePage
	var failErr error
	if index == s.FailAt && (s.FailTimes <= 0 || s.failures < s.FailTimes) {
		s.failures++
		failErr = s.Err
	}
	s.mu.Unlock()

	if hook != nil {
		hook(index)
	}
	if failErr != nil {
		return adapter.Page{}, failErr
	}
	if index >= len(pages) {
		return adapter.Page{}, nil
	}

	page := adapter.Page{
		Records:    pages[index],
		Checkpoint: "checkpoint-" + strconv.Itoa(index),
	}
	if index+1 < len(pages) {
		page.NextToken = strconv.Itoa(index + 1)
	}
	return page, nil
}

// Requests returns a copy of every request seen so far.
func (s *ScriptedAdapter) Requests() []adapter.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]adapter.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Reset clears failure injection and recorded requests.
func (s *ScriptedAdapter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailAt = -1
	s.FailTimes = 0
	s.Err = nil
	s.failures = 0
	s.requests = nil
}

// Credentials returns a provider with a fixed token for every account.
func Credentials() credentials.Provider {
	return credentials.NewStatic(nil, "test-token-value")
}
