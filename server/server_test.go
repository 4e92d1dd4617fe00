package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"train-notifier/poll"
	"train-notifier/scraper"
)

type stubPoller struct {
	err   error
	rep   poll.Report
	calls int
}

func (p *stubPoller) Check(context.Context) (poll.Report, error) {
	p.calls++
	return p.rep, p.err
}

func newTestServer(p Poller) http.Handler {
	return New(&Config{
		Poller:         p,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		IsAccessDenied: scraper.IsAccessDenied,
	}).Handler()
}

func TestHealth(t *testing.T) {
	h := newTestServer(&stubPoller{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"healthy"}` {
		t.Errorf("body = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", http.NoBody))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want 405", rec.Code)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		err       error
		wantCode  int
		wantCalls int
	}{
		{name: "get rejected", method: http.MethodGet, wantCode: http.StatusMethodNotAllowed},
		{name: "completed", method: http.MethodPost, wantCode: http.StatusOK, wantCalls: 1},
		{
			name:      "access denied",
			method:    http.MethodPost,
			err:       &scraper.AccessDeniedError{URL: "https://grandtrain.ru/search/x/"},
			wantCode:  http.StatusServiceUnavailable,
			wantCalls: 1,
		},
		{name: "in progress", method: http.MethodPost, err: poll.ErrRunInProgress, wantCode: http.StatusConflict, wantCalls: 1},
		{
			name:      "fetch failure",
			method:    http.MethodPost,
			err:       &scraper.FetchError{URL: "u", StatusCode: 500},
			wantCode:  http.StatusInternalServerError,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubPoller{err: tt.err, rep: poll.Report{Status: poll.StatusCompleted, Sent: []string{"1"}}}
			rec := httptest.NewRecorder()
			newTestServer(p).ServeHTTP(rec, httptest.NewRequest(tt.method, "/pollz", http.NoBody))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if p.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", p.calls, tt.wantCalls)
			}
		})
	}
}

func TestPollReturnsReport(t *testing.T) {
	p := &stubPoller{rep: poll.Report{Status: poll.StatusCompleted, Total: 3, Sent: []string{"42"}, Fingerprint: "abc"}}
	rec := httptest.NewRecorder()
	newTestServer(p).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", http.NoBody))

	var got poll.Report
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != poll.StatusCompleted || got.Total != 3 || got.Fingerprint != "abc" || len(got.Sent) != 1 {
		t.Errorf("report = %+v", got)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(&Config{Poller: &stubPoller{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.ListenAndServe(ctx, "0"); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("ListenAndServe() error = %v", err)
	}
}
