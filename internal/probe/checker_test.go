package probe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const okCompletion = `{"id":"gen-1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"h"},"finish_reason":"length"}]}`

// fakeUpstream answers chat completions according to the requested model.
type fakeUpstream struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	respond     func(w http.ResponseWriter, r *http.Request, model string)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.calls.Add(1)

	var body struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	}
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &body)
	f.respond(w, r, body.Model)
}

func newChecker(t *testing.T, f *fakeUpstream, mutate func(*Options)) *Checker {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	opts := Options{
		BaseURL:      srv.URL,
		APIKey:       "sk-probe",
		Concurrency:  4,
		PassTimeout:  5 * time.Second,
		ProbeTimeout: func(catalog.Tier) time.Duration { return 2 * time.Second },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewChecker(opts, nil, testLogger())
}

func writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	io.WriteString(w, `{"error":{"message":"`+http.StatusText(code)+`","type":"error"}}`)
}

func TestProbe_OutcomeClassification(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		switch model {
		case "ok":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, okCompletion)
		case "limited":
			writeStatus(w, http.StatusTooManyRequests)
		case "missing":
			writeStatus(w, http.StatusNotFound)
		case "paywalled":
			writeStatus(w, http.StatusPaymentRequired)
		case "forbidden":
			writeStatus(w, http.StatusForbidden)
		case "bad":
			writeStatus(w, http.StatusBadRequest)
		case "broken":
			writeStatus(w, http.StatusBadGateway)
		case "plain500":
			http.Error(w, "internal", http.StatusInternalServerError)
		}
	}}
	c := newChecker(t, f, nil)

	tests := []struct {
		model      string
		wantState  catalog.HealthState
		wantReason catalog.ProbeReason
	}{
		{"ok", catalog.Healthy, catalog.ReasonOK},
		{"limited", catalog.Unhealthy, catalog.ReasonRateLimited},
		{"missing", catalog.Unhealthy, catalog.ReasonNotFound},
		{"paywalled", catalog.Unhealthy, catalog.ReasonRestricted},
		{"forbidden", catalog.Unhealthy, catalog.ReasonRestricted},
		{"bad", catalog.Unhealthy, catalog.ReasonBadRequest},
		{"broken", catalog.Unhealthy, catalog.ReasonProviderError},
		{"plain500", catalog.Unhealthy, catalog.ReasonProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := c.Probe(context.Background(), catalog.Descriptor{ID: tt.model}, catalog.TierFree)
			if got.State != tt.wantState || got.Reason != tt.wantReason {
				t.Errorf("Probe(%s) = %s/%s, want %s/%s (detail %q)",
					tt.model, got.State, got.Reason, tt.wantState, tt.wantReason, got.Detail)
			}
			if got.CheckedAt.IsZero() {
				t.Error("CheckedAt not set")
			}
		})
	}
}

func TestProbe_ReasoningModelIDsAreSent(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okCompletion)
	}}
	c := newChecker(t, f, nil)

	tests := []struct {
		model          string
		wantMax        int
		wantCompletion int
	}{
		{"o1-preview", 0, 1},
		{"o3-mini", 0, 1},
		{"gpt-5", 0, 1},
		{"openai/o3-mini", 1, 0},
		{"meta-llama/llama-3-8b:free", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			req := c.chatRequest(tt.model)
			if req.MaxTokens != tt.wantMax || req.MaxCompletionTokens != tt.wantCompletion {
				t.Errorf("max_tokens=%d max_completion_tokens=%d, want %d/%d",
					req.MaxTokens, req.MaxCompletionTokens, tt.wantMax, tt.wantCompletion)
			}

			before := f.calls.Load()
			st := c.Probe(context.Background(), catalog.Descriptor{ID: tt.model}, catalog.TierFree)
			if !st.IsHealthy() {
				t.Errorf("status = %+v, want healthy", st)
			}
			if f.calls.Load() != before+1 {
				t.Error("request never reached the upstream")
			}
		})
	}
}

func TestProbe_RateLimitedCanCountAsHealthy(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		writeStatus(w, http.StatusTooManyRequests)
	}}
	c := newChecker(t, f, func(o *Options) { o.RateLimitedIsHealthy = true })

	got := c.Probe(context.Background(), catalog.Descriptor{ID: "m"}, catalog.TierFree)
	if !got.IsHealthy() || got.Reason != catalog.ReasonRateLimited {
		t.Errorf("got %s/%s, want healthy/rate_limited", got.State, got.Reason)
	}
}

func TestProbe_Timeout(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		<-r.Context().Done()
	}}
	c := newChecker(t, f, func(o *Options) {
		o.ProbeTimeout = func(catalog.Tier) time.Duration { return 50 * time.Millisecond }
	})

	got := c.Probe(context.Background(), catalog.Descriptor{ID: "slow"}, catalog.TierStealth)
	if got.State != catalog.Unhealthy || got.Reason != catalog.ReasonTimeout {
		t.Errorf("got %s/%s, want unhealthy/timeout", got.State, got.Reason)
	}
}

func TestProbe_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewChecker(Options{BaseURL: url, APIKey: "k", PassTimeout: time.Second}, nil, testLogger())
	got := c.Probe(context.Background(), catalog.Descriptor{ID: "m"}, catalog.TierFree)
	if got.Reason != catalog.ReasonTransport {
		t.Errorf("got reason %s, want transport", got.Reason)
	}
}

func TestProbeAll_BoundedConcurrency(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okCompletion)
	}}
	c := newChecker(t, f, func(o *Options) { o.Concurrency = 3 })

	cands := make([]Candidate, 12)
	for i := range cands {
		cands[i] = Candidate{Descriptor: catalog.Descriptor{ID: "m"}, Tier: catalog.TierFree}
	}
	results := c.ProbeAll(context.Background(), cands)

	if len(results) != len(cands) {
		t.Fatalf("expected %d results, got %d", len(cands), len(results))
	}
	for i, r := range results {
		if !r.IsHealthy() {
			t.Errorf("result %d: %s/%s", i, r.State, r.Reason)
		}
	}
	if got := f.maxInFlight.Load(); got > 3 {
		t.Errorf("max in-flight probes = %d, want <= 3", got)
	}
	if f.calls.Load() != 12 {
		t.Errorf("expected 12 probes, got %d", f.calls.Load())
	}
}

func TestProbeAll_HangingProbeDoesNotBlockOthers(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		if model == "hang" {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okCompletion)
	}}
	c := newChecker(t, f, func(o *Options) {
		o.Concurrency = 2
		o.ProbeTimeout = func(catalog.Tier) time.Duration { return 100 * time.Millisecond }
	})

	cands := []Candidate{
		{Descriptor: catalog.Descriptor{ID: "hang"}, Tier: catalog.TierFree},
		{Descriptor: catalog.Descriptor{ID: "a"}, Tier: catalog.TierFree},
		{Descriptor: catalog.Descriptor{ID: "b"}, Tier: catalog.TierStealth},
	}
	results := c.ProbeAll(context.Background(), cands)
	if results[0].Reason != catalog.ReasonTimeout {
		t.Errorf("hanging probe: got %s", results[0].Reason)
	}
	if !results[1].IsHealthy() || !results[2].IsHealthy() {
		t.Errorf("other probes should be healthy: %+v %+v", results[1], results[2])
	}
}

func TestProbeAll_PassDeadlineMarksUnresolvedAsTimeout(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		<-r.Context().Done()
	}}
	c := newChecker(t, f, func(o *Options) {
		o.Concurrency = 1
		o.PassTimeout = 80 * time.Millisecond
		o.ProbeTimeout = func(catalog.Tier) time.Duration { return 10 * time.Second }
	})

	cands := make([]Candidate, 5)
	for i := range cands {
		cands[i] = Candidate{Descriptor: catalog.Descriptor{ID: "slow"}, Tier: catalog.TierFree}
	}

	start := time.Now()
	results := c.ProbeAll(context.Background(), cands)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("pass took %s, expected to stop near the pass deadline", elapsed)
	}
	for i, r := range results {
		if r.State != catalog.Unhealthy || r.Reason != catalog.ReasonTimeout {
			t.Errorf("result %d: %s/%s, want unhealthy/timeout", i, r.State, r.Reason)
		}
	}
	if f.calls.Load() >= 5 {
		t.Errorf("expected some probes never to start, got %d calls", f.calls.Load())
	}
}

func TestProbeAll_DisabledWithoutKey(t *testing.T) {
	f := &fakeUpstream{respond: func(w http.ResponseWriter, r *http.Request, model string) {
		t.Error("no probe should be sent without a key")
	}}
	c := newChecker(t, f, func(o *Options) { o.APIKey = "" })

	results := c.ProbeAll(context.Background(), []Candidate{
		{Descriptor: catalog.Descriptor{ID: "a"}, Tier: catalog.TierFree},
	})
	if !results[0].IsHealthy() || !results[0].Assumed || results[0].Reason != catalog.ReasonUnchecked {
		t.Errorf("got %+v, want assumed healthy/unchecked", results[0])
	}
}

func TestProbeAll_Empty(t *testing.T) {
	c := NewChecker(Options{APIKey: "k", PassTimeout: time.Second}, nil, testLogger())
	if got := c.ProbeAll(context.Background(), nil); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}
