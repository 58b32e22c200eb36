package ops

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRejectsEmptyAddress(t *testing.T) {
	t.Parallel()

	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "highway_test_total",
		Help: "test counter",
	})
	registry.MustRegister(counter)
	counter.Add(3)

	server, err := New(":0", WithLogger(discardLogger()), WithGatherer(registry))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	handler := server.Handler()

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantContains string
	}{
		{
			name:         "health",
			method:       http.MethodGet,
			path:         "/healthz",
			wantStatus:   http.StatusOK,
			wantContains: "ok uptime=",
		},
		{
			name:         "metrics from injected gatherer",
			method:       http.MethodGet,
			path:         "/metrics",
			wantStatus:   http.StatusOK,
			wantContains: "highway_test_total 3",
		},
		{
			name:       "unknown path",
			method:     http.MethodGet,
			path:       "/nope",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "health rejects writes",
			method:     http.MethodPost,
			path:       "/healthz",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(testCase.method, testCase.path, nil))

			if recorder.Code != testCase.wantStatus {
				t.Fatalf("status = %d, want %d", recorder.Code, testCase.wantStatus)
			}
			if testCase.wantContains != "" && !strings.Contains(recorder.Body.String(), testCase.wantContains) {
				t.Fatalf("body %q does not contain %q", recorder.Body.String(), testCase.wantContains)
			}
		})
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	t.Parallel()

	server, err := New("127.0.0.1:0", WithLogger(discardLogger()), WithGatherer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "127.0.0.1:0" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := &http.Client{
		Timeout:   time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "ok") {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	t.Parallel()

	server, err := New("127.0.0.1:-1", WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := server.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "ops listen") {
		t.Fatalf("run error = %v, want listen failure", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
