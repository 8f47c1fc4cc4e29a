package suites

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaharness/services/results"
)

type recordingSink struct {
	mu     sync.Mutex
	events map[string]results.Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, _ string, ev results.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string]results.Event)
	}
	s.events[ev.TestCaseID] = ev
	return s.err
}

func TestHTTPRunnerOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "reqres-free-v1", r.Header.Get("x-api-key"))
			_, _ = io.WriteString(w, `{"data":[1,2]}`)
		case "/create":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, `{"name":"neo"}`, string(body))
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := Suite{
		Name:    "api",
		BaseURL: srv.URL,
		Headers: map[string]string{"x-api-key": "reqres-free-v1"},
		Timeout: time.Second,
		Cases: []Case{
			{ID: "ok", Method: "GET", URL: "/ok", ExpectStatus: 200, ExpectBodyContains: "data"},
			{ID: "create", Method: "POST", URL: "/create", Body: `{"name":"neo"}`, ExpectStatus: 201},
			{ID: "missing", Method: "GET", URL: "/missing", ExpectStatus: 200},
			{ID: "skipped", Skip: true},
		},
	}

	sink := &recordingSink{}
	err := NewHTTPRunner(srv.Client(), zerolog.Nop()).Run(context.Background(), "exec-1", s, 0, sink)
	require.NoError(t, err)
	require.Len(t, sink.events, 4)

	assert.Equal(t, results.StatusPassed, sink.events["ok"].Status)
	assert.Equal(t, results.StatusPassed, sink.events["create"].Status)
	assert.Equal(t, results.StatusSkipped, sink.events["skipped"].Status)

	missing := sink.events["missing"]
	assert.Equal(t, results.StatusFailed, missing.Status)
	assert.Equal(t, "expected status 200, got 404", missing.ErrorMessage)
	assert.Contains(t, missing.RequestPayload, `"method": "GET"`)
	assert.Contains(t, missing.ResponsePayload, `"status": 404`)
	assert.Equal(t, "api", missing.Suite)
	assert.False(t, missing.EndTime.Before(missing.StartTime))
}

func TestHTTPRunnerBoundsParallelism(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
	}))
	defer srv.Close()

	s := Suite{Name: "par", BaseURL: srv.URL, MaxParallel: 8, Timeout: time.Second}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		s.Cases = append(s.Cases, Case{ID: id, Method: "GET", URL: "/" + id, ExpectStatus: 200})
	}

	sink := &recordingSink{}
	require.NoError(t, NewHTTPRunner(srv.Client(), zerolog.Nop()).Run(context.Background(), "exec-1", s, 2, sink))
	assert.Len(t, sink.events, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestHTTPRunnerCaseTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := Suite{Name: "slow", BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Cases: []Case{
		{ID: "hang", Method: "GET", URL: "/hang", ExpectStatus: 200},
	}}

	sink := &recordingSink{}
	require.NoError(t, NewHTTPRunner(srv.Client(), zerolog.Nop()).Run(context.Background(), "exec-1", s, 1, sink))
	ev := sink.events["hang"]
	assert.Equal(t, results.StatusFailed, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "deadline exceeded")
	assert.Empty(t, ev.ResponsePayload)
}

func TestHTTPRunnerReturnsSinkErrors(t *testing.T) {
	s := Suite{Name: "skips", Cases: []Case{{ID: "a", Skip: true}, {ID: "b", Skip: true}}}
	closed := errors.New("execution closed")
	sink := &recordingSink{err: closed}

	err := NewHTTPRunner(nil, zerolog.Nop()).Run(context.Background(), "exec-1", s, 0, sink)
	assert.ErrorIs(t, err, closed)
	assert.Len(t, sink.events, 2, "every case still reported")
}
