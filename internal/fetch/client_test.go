package fetch_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/craftcoach/internal/fetch"
)

var fastBackoff = fetch.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2}

func TestClientText(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := fetch.New(fetch.Config{UserAgent: "craftcoach-test"})
	got, err := c.Text(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	if got != "hello" {
		t.Errorf("got body %q, want hello", got)
	}
	if gotUA != "craftcoach-test" {
		t.Errorf("got user agent %q, want craftcoach-test", gotUA)
	}
}

func TestClientJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("got method %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("got content type %q", ct)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["q"]})
	}))
	defer srv.Close()

	c := fetch.New(fetch.Config{})
	var out map[string]string
	if err := c.JSON(context.Background(), http.MethodPost, srv.URL, map[string]string{"q": "divine"}, &out); err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	if out["echo"] != "divine" {
		t.Errorf("got %v, want echo divine", out)
	}
}

func TestClientRetries(t *testing.T) {
	type testCase struct {
		name      string
		statuses  []int
		retries   int
		wantCalls int32
		wantErr   int
	}

	testCases := []testCase{
		{name: "recovers after 5xx", statuses: []int{500, 502, 200}, retries: 3, wantCalls: 3},
		{name: "retries 429", statuses: []int{429, 200}, retries: 3, wantCalls: 2},
		{name: "gives up", statuses: []int{503, 503, 503}, retries: 2, wantCalls: 3, wantErr: 503},
		{name: "no retry on 404", statuses: []int{404, 200}, retries: 3, wantCalls: 1, wantErr: 404},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tc.statuses[int(n)-1])
			}))
			defer srv.Close()

			c := fetch.New(fetch.Config{Retries: tc.retries, Backoff: fastBackoff})
			resp, err := c.Do(context.Background(), fetch.Request{URL: srv.URL})

			if got := calls.Load(); got != tc.wantCalls {
				t.Errorf("got %d calls, want %d", got, tc.wantCalls)
			}
			if tc.wantErr == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if resp.Status != http.StatusOK {
					t.Errorf("got status %d, want 200", resp.Status)
				}
				return
			}
			var se *fetch.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("got error %v, want StatusError", err)
			}
			if se.Status != tc.wantErr {
				t.Errorf("got status %d, want %d", se.Status, tc.wantErr)
			}
		})
	}
}

func TestClientConcurrencyCap(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		current++
		peak = max(peak, current)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
	}))
	defer srv.Close()

	c := fetch.New(fetch.Config{MaxConcurrent: 2})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Do(context.Background(), fetch.Request{URL: srv.URL}); err != nil {
				t.Errorf("failed to fetch: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("got %d concurrent requests, want at most 2", peak)
	}
}

func TestClientMinInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	c := fetch.New(fetch.Config{MinInterval: 30 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Do(context.Background(), fetch.Request{URL: srv.URL}); err != nil {
			t.Fatalf("failed to fetch: %v", err)
		}
	}
	// The first request passes immediately, the next two wait one interval each.
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("three requests took %v, want at least 60ms", elapsed)
	}
}

func TestClientContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fetch.New(fetch.Config{Retries: 3, Backoff: fetch.BackoffConfig{InitialDelay: time.Second}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, fetch.Request{URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got error %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestFlatHeaders(t *testing.T) {
	resp := fetch.Response{Header: http.Header{"Content-Type": {"text/plain", "ignored"}}}
	if got := resp.FlatHeaders()["content-type"]; got != "text/plain" {
		t.Errorf("got %q, want text/plain", got)
	}
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := fetch.BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tc := range testCases {
		if got := fetch.NextBackoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		got := fetch.NextBackoffDelay(cfg, 1, rng)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("got jittered delay %v, want within [50ms, 150ms]", got)
		}
	}
}
