package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/realmgate/internal/store"
	"go.uber.org/zap"
)

func newTestResolver() *Resolver {
	return New(Config{Logger: zap.NewNop(), UserAgent: "realmgate-test"})
}

func statusServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccepted_Boundaries(t *testing.T) {
	cases := map[int]bool{
		199: false,
		200: true,
		302: true,
		403: true,
		404: false,
		500: false,
	}
	for code, want := range cases {
		if got := Accepted(code); got != want {
			t.Errorf("Accepted(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestResolve_AcceptsBandEdges(t *testing.T) {
	r := newTestResolver()
	for _, code := range []int{http.StatusOK, http.StatusForbidden} {
		srv := statusServer(t, code)
		res := r.Resolve(context.Background(), Request{URL: srv.URL + "/land", Timeout: time.Second})
		if !res.Success {
			t.Errorf("status %d should be accepted, got reason %q", code, res.Reason)
		}
		if res.StatusCode != code {
			t.Errorf("expected status %d, got %d", code, res.StatusCode)
		}
	}
}

func TestResolve_Rejects404(t *testing.T) {
	srv := statusServer(t, http.StatusNotFound)
	paths := store.NewMemory()

	res := newTestResolver().Resolve(context.Background(), Request{
		URL:     srv.URL + "/land?pathid=abc",
		Timeout: time.Second,
		Paths:   paths,
	})
	if res.Success {
		t.Fatal("404 must be rejected")
	}
	if !errors.Is(res.Err, ErrRejectedStatus) {
		t.Errorf("expected ErrRejectedStatus, got %v", res.Err)
	}
	if res.Reason != "distant manor error: 404" {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
	if res.Destination != "" {
		t.Errorf("rejected result must not carry a destination, got %q", res.Destination)
	}
	if paths.Len() != 0 {
		t.Error("rejected result must not preserve a path token")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestResolve_Rejects199(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 199,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    r,
		}, nil
	})}
	r := New(Config{Client: client, Logger: zap.NewNop()})

	res := r.Resolve(context.Background(), Request{URL: "https://realm.test/land", Timeout: time.Second})
	if res.Success {
		t.Fatal("199 must be rejected")
	}
	if !errors.Is(res.Err, ErrRejectedStatus) {
		t.Errorf("expected ErrRejectedStatus, got %v", res.Err)
	}
}

func TestResolve_AppendsIdentity(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	r := newTestResolver()

	r.Resolve(context.Background(), Request{URL: srv.URL + "/land", Identity: "tok123", Timeout: time.Second})
	if q := gotQuery.Load().(string); q != "push_id=tok123" {
		t.Errorf("expected ?push_id=tok123, got %q", q)
	}

	r.Resolve(context.Background(), Request{URL: srv.URL + "/land?a=1", Identity: "tok123", Timeout: time.Second})
	if q := gotQuery.Load().(string); q != "a=1&push_id=tok123" {
		t.Errorf("expected a=1&push_id=tok123, got %q", q)
	}
}

func TestResolve_FollowsRedirectAndPreservesPathToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final?pathid=abc", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	paths := store.NewMemory()
	res := newTestResolver().Resolve(context.Background(), Request{
		URL:      srv.URL + "/start",
		Identity: "tok",
		Timeout:  time.Second,
		Paths:    paths,
	})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Reason)
	}
	if want := srv.URL + "/final?pathid=abc"; res.Destination != want {
		t.Errorf("expected final destination %q, got %q", want, res.Destination)
	}

	token, ok, _ := paths.Get(context.Background(), store.PathTokenKey(srv.URL+"/start"))
	if !ok || token != "abc" {
		t.Errorf("expected path token abc keyed by the original URL, got %q ok=%v", token, ok)
	}
}

func TestResolve_PathTokenKeyedByOrigin(t *testing.T) {
	srv := statusServer(t, http.StatusOK)
	paths := store.NewMemory()
	origin := srv.URL + "/land"

	res := newTestResolver().Resolve(context.Background(), Request{
		URL:     origin + "?pathid=xyz",
		Origin:  origin,
		Timeout: time.Second,
		Paths:   paths,
	})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Reason)
	}
	if v, _, _ := paths.Get(context.Background(), store.PathTokenKey(origin)); v != "xyz" {
		t.Errorf("expected token under origin hash, got %q", v)
	}
}

func TestResolve_NoRedirectUsesAugmentedURL(t *testing.T) {
	srv := statusServer(t, http.StatusOK)
	res := newTestResolver().Resolve(context.Background(), Request{
		URL:      srv.URL + "/land",
		Identity: "tok",
		Timeout:  time.Second,
	})
	if want := srv.URL + "/land?push_id=tok"; res.Destination != want {
		t.Errorf("expected %q, got %q", want, res.Destination)
	}
}

func TestResolve_TimeoutIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	res := newTestResolver().Resolve(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	if res.Success {
		t.Fatal("expected failure on timeout")
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", res.Err)
	}
	if res.Reason != ReasonUnknown {
		t.Errorf("expected %q, got %q", ReasonUnknown, res.Reason)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not honored, took %v", elapsed)
	}
}

func TestResolve_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	res := newTestResolver().Resolve(context.Background(), Request{URL: addr, Identity: "secret", Timeout: time.Second})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", res.Err)
	}
	if !strings.HasPrefix(res.Reason, "courier path error: ") {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
	if strings.Contains(res.Reason, "secret") {
		t.Errorf("reason must not leak the identity: %q", res.Reason)
	}
}

func TestResolve_InvalidURL(t *testing.T) {
	r := newTestResolver()
	for _, raw := range []string{"", "not a url", "://missing-scheme", "/relative/only"} {
		res := r.Resolve(context.Background(), Request{URL: raw, Timeout: time.Second})
		if res.Success || !errors.Is(res.Err, ErrInvalidURL) {
			t.Errorf("%q: expected ErrInvalidURL, got %v", raw, res.Err)
		}
		if res.Reason != ReasonInvalidURL {
			t.Errorf("%q: unexpected reason %q", raw, res.Reason)
		}
	}
}

func TestResolve_RedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	r := New(Config{MaxRedirects: 3, Logger: zap.NewNop()})
	res := r.Resolve(context.Background(), Request{URL: srv.URL + "/loop", Timeout: time.Second})
	if res.Success {
		t.Fatal("redirect loop must fail")
	}
	if !errors.Is(res.Err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", res.Err)
	}
}

func TestResolve_SendsUserAgent(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
	}))
	defer srv.Close()

	newTestResolver().Resolve(context.Background(), Request{URL: srv.URL, Timeout: time.Second})
	if got := ua.Load().(string); got != "realmgate-test" {
		t.Errorf("expected realmgate-test user agent, got %q", got)
	}
}
