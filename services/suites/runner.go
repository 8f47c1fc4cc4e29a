package suites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"qaharness/services/results"
)

// maxBodyBytes caps how much of a response body is kept as evidence.
const maxBodyBytes = 1 << 20

// HTTPRunner executes HTTP check suites in a bounded worker pool and reports
// every finished case to a Sink.
type HTTPRunner struct {
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewHTTPRunner(client *http.Client, logger zerolog.Logger) *HTTPRunner {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRunner{client: client, logger: logger, now: time.Now}
}

type requestPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type responsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Run executes every case of s. maxParallel overrides the suite setting when
// positive. Sink errors are collected and returned once all cases finished.
func (r *HTTPRunner) Run(ctx context.Context, executionID string, s Suite, maxParallel int, sink results.Sink) error {
	if sink == nil {
		return errors.New("nil sink")
	}
	if maxParallel <= 0 {
		maxParallel = s.MaxParallel
	}
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	p := pool.New().
		WithErrors().
		WithMaxGoroutines(maxParallel).
		WithContext(ctx)
	for _, c := range s.Cases {
		p.Go(func(ctx context.Context) error {
			ev := r.runCase(ctx, s, c)
			if err := sink.Record(ctx, executionID, ev); err != nil {
				return fmt.Errorf("record %s: %w", c.ID, err)
			}
			return nil
		})
	}
	return p.Wait()
}

func (r *HTTPRunner) runCase(ctx context.Context, s Suite, c Case) results.Event {
	start := r.now()
	ev := results.Event{
		TestCaseID: c.ID,
		Name:       c.Description,
		Suite:      s.Name,
		StartTime:  start,
	}
	if ev.Name == "" {
		ev.Name = c.ID
	}

	if c.Skip {
		ev.Status = results.StatusSkipped
		ev.EndTime = r.now()
		return ev
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqPayload := requestPayload{
		Method:  c.Method,
		URL:     s.ResolveURL(c),
		Headers: mergeHeaders(s.Headers, c.Headers),
		Body:    c.Body,
	}
	ev.RequestPayload = marshal(reqPayload)

	resp, err := r.do(ctx, reqPayload)
	ev.EndTime = r.now()
	if err != nil {
		ev.Status = results.StatusFailed
		ev.ErrorMessage = err.Error()
		return ev
	}
	ev.ResponsePayload = marshal(resp)

	switch {
	case resp.Status != c.ExpectStatus:
		ev.Status = results.StatusFailed
		ev.ErrorMessage = fmt.Sprintf("expected status %d, got %d", c.ExpectStatus, resp.Status)
	case c.ExpectBodyContains != "" && !strings.Contains(resp.Body, c.ExpectBodyContains):
		ev.Status = results.StatusFailed
		ev.ErrorMessage = fmt.Sprintf("response body does not contain %q", c.ExpectBodyContains)
	default:
		ev.Status = results.StatusPassed
	}

	r.logger.Debug().
		Str("test_case_id", c.ID).
		Str("status", string(ev.Status)).
		Dur("duration", ev.EndTime.Sub(ev.StartTime)).
		Msg("case finished")
	return ev
}

func (r *HTTPRunner) do(ctx context.Context, p requestPayload) (responsePayload, error) {
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return responsePayload{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return responsePayload{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return responsePayload{}, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return responsePayload{Status: resp.StatusCode, Headers: headers, Body: string(data)}, nil
}

func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func marshal(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
