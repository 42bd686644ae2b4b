package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/realmgate/internal/engine/gates"
	"github.com/triage-ai/realmgate/internal/resolver"
	"github.com/triage-ai/realmgate/internal/store"
	"go.uber.org/zap"
)

const originURL = "https://realm.example/start"

type stubProber struct {
	ok    bool
	calls atomic.Int32
}

func (p *stubProber) Probe(context.Context, time.Duration) bool {
	p.calls.Add(1)
	return p.ok
}

type stubCalendar struct {
	open  bool
	calls atomic.Int32
}

func (c *stubCalendar) IsOpen(time.Time) bool {
	c.calls.Add(1)
	return c.open
}

type stubClassifier struct {
	eligible bool
	calls    atomic.Int32
}

func (c *stubClassifier) IsEligible(string) bool {
	c.calls.Add(1)
	return c.eligible
}

// stubResolver records every request and answers through respond.
type stubResolver struct {
	mu       sync.Mutex
	requests []resolver.Request
	respond  func(resolver.Request) resolver.Result
}

func (r *stubResolver) Resolve(_ context.Context, req resolver.Request) resolver.Result {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	respond := r.respond
	r.mu.Unlock()
	return respond(req)
}

func (r *stubResolver) calls() []resolver.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resolver.Request(nil), r.requests...)
}

func succeedWith(dest string) func(resolver.Request) resolver.Result {
	return func(resolver.Request) resolver.Result {
		return resolver.Result{Success: true, Destination: dest, Reason: resolver.ReasonSuccess, StatusCode: 200}
	}
}

func rejectWith(code int) func(resolver.Request) resolver.Result {
	return func(resolver.Request) resolver.Result {
		return resolver.Result{
			Reason:     "distant manor error: " + http.StatusText(code),
			StatusCode: code,
			Err:        resolver.ErrRejectedStatus,
		}
	}
}

type fixture struct {
	store      *store.Memory
	prober     *stubProber
	calendar   *stubCalendar
	classifier *stubClassifier
	resolver   *stubResolver
	engine     *Engine
}

func newFixture(respond func(resolver.Request) resolver.Result) *fixture {
	f := &fixture{
		store:      store.NewMemory(),
		prober:     &stubProber{ok: true},
		calendar:   &stubCalendar{open: true},
		classifier: &stubClassifier{eligible: true},
		resolver:   &stubResolver{respond: respond},
	}
	f.engine = New(Dependencies{
		Store:      f.store,
		Prober:     f.prober,
		Calendar:   f.calendar,
		Classifier: f.classifier,
		Resolver:   f.resolver,
		Logger:     zap.NewNop(),
	}, Config{})
	return f
}

func (f *fixture) flag(t *testing.T, key string) bool {
	t.Helper()
	v, err := store.Bool(context.Background(), f.store, key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return v
}

func (f *fixture) value(key string) string {
	v, _, _ := f.store.Get(context.Background(), key)
	return v
}

func baseRequest() Request {
	return Request{URL: originURL, ActivateAt: time.Unix(0, 0), DeviceCheck: true, DeviceModel: "iPhone"}
}

func TestEngine_AllGatesPass(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x?pathid=abc"))

	v := f.engine.Examine(context.Background(), baseRequest())
	if !v.Reveal || v.Destination != "https://example.com/x?pathid=abc" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if v.Reason != ReasonAllPassed || v.Outcome != OutcomeRevealed {
		t.Errorf("unexpected reason/outcome: %q / %s", v.Reason, v.Outcome)
	}
	if !f.flag(t, store.RemoteKey(originURL)) {
		t.Error("remote flag not latched")
	}
	if f.flag(t, store.LocalKey(originURL)) {
		t.Error("local flag must stay unset")
	}
	if got := f.value(store.DestinationKey(originURL)); got != v.Destination {
		t.Errorf("destination not persisted, got %q", got)
	}
}

func TestEngine_ResolverRequestCarriesIdentityAndTimeout(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))

	f.engine.Examine(context.Background(), baseRequest())

	calls := f.resolver.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 resolver call, got %d", len(calls))
	}
	id, err := f.engine.Identity(context.Background())
	if err != nil || id == "" {
		t.Fatalf("identity: %q %v", id, err)
	}
	req := calls[0]
	if req.URL != originURL || req.Origin != originURL {
		t.Errorf("unexpected URL/origin: %q %q", req.URL, req.Origin)
	}
	if req.Identity != id {
		t.Errorf("expected identity %q, got %q", id, req.Identity)
	}
	if req.Timeout != DefaultResolverTimeout {
		t.Errorf("expected default timeout, got %v", req.Timeout)
	}
	if req.Paths == nil {
		t.Error("resolver must receive the path token store")
	}

	custom := baseRequest()
	custom.CacheKey = "custom"
	custom.Timeout = 3 * time.Second
	f.engine.Examine(context.Background(), custom)
	if got := f.resolver.calls()[1].Timeout; got != 3*time.Second {
		t.Errorf("expected caller timeout, got %v", got)
	}
}

func TestEngine_Unreachable(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	f.prober.ok = false

	v := f.engine.Examine(context.Background(), baseRequest())
	if v.Reveal || v.Reason != ReasonUnreachable || v.Outcome != OutcomeLocal {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if !strings.Contains(v.Reason, "courier paths") {
		t.Errorf("reason should mention courier paths: %q", v.Reason)
	}
	if !f.flag(t, store.LocalKey(originURL)) {
		t.Error("local flag not latched")
	}
	if f.calendar.calls.Load() != 0 || len(f.resolver.calls()) != 0 {
		t.Error("later gates must not run after the probe fails")
	}
}

func TestEngine_LocalLatchReplaysWithoutGates(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	f.prober.ok = false
	f.engine.Examine(context.Background(), baseRequest())

	f.prober.ok = true
	v := f.engine.Examine(context.Background(), baseRequest())
	if v.Reveal || v.Reason != ReasonCachedLocal || v.Outcome != OutcomeLocalCached {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if n := f.prober.calls.Load(); n != 1 {
		t.Errorf("probe should run once, ran %d times", n)
	}
	if len(f.resolver.calls()) != 0 {
		t.Error("resolver must not run for a local latch")
	}
}

func TestEngine_DateNotReached(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	f.calendar.open = false

	v := f.engine.Examine(context.Background(), baseRequest())
	if v.Reveal || v.Reason != ReasonDateNotReached {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if !f.flag(t, store.LocalKey(originURL)) {
		t.Error("local flag not latched")
	}
}

func TestEngine_DeviceUnsuitable(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	f.classifier.eligible = false

	v := f.engine.Examine(context.Background(), baseRequest())
	if v.Reveal || v.Reason != ReasonDeviceUnsuitable {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if !f.flag(t, store.LocalKey(originURL)) {
		t.Error("local flag not latched")
	}
	if len(f.resolver.calls()) != 0 {
		t.Error("resolver must not run when the device gate fails")
	}
}

func TestEngine_DeviceCheckSkipped(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	f.classifier.eligible = false

	req := baseRequest()
	req.DeviceCheck = false
	v := f.engine.Examine(context.Background(), req)
	if !v.Reveal {
		t.Fatalf("device gate should be skipped: %+v", v)
	}
	if f.classifier.calls.Load() != 0 {
		t.Error("classifier must not be consulted when device check is off")
	}
}

func TestEngine_DefaultClassifierExcludesTablet(t *testing.T) {
	s := store.NewMemory()
	e := New(Dependencies{
		Store:    s,
		Prober:   &stubProber{ok: true},
		Calendar: gates.TemporalGate{Clock: gates.ClockFunc(time.Now)},
		Resolver: &stubResolver{respond: succeedWith("https://example.com/x")},
	}, Config{})

	req := baseRequest()
	req.DeviceModel = "iPad13,1"
	if v := e.Examine(context.Background(), req); v.Reason != ReasonDeviceUnsuitable {
		t.Errorf("expected tablet to be excluded, got %+v", v)
	}
}

func TestEngine_ResolutionFailure(t *testing.T) {
	f := newFixture(func(resolver.Request) resolver.Result {
		return resolver.Result{Reason: "distant manor error: 404", StatusCode: 404, Err: resolver.ErrRejectedStatus}
	})

	v := f.engine.Examine(context.Background(), baseRequest())
	if v.Reveal || v.Reason != "distant manor examination failed: distant manor error: 404" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if !f.flag(t, store.LocalKey(originURL)) {
		t.Error("local flag not latched")
	}
	if f.flag(t, store.RemoteKey(originURL)) {
		t.Error("remote flag must stay unset")
	}
}

func TestEngine_InvalidURLCachesNothing(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))

	for _, raw := range []string{"", "not a url", "::"} {
		v := f.engine.Examine(context.Background(), Request{URL: raw})
		if v.Reveal || v.Reason != ReasonInvalidURL || v.Outcome != OutcomeInvalid {
			t.Errorf("%q: unexpected verdict %+v", raw, v)
		}
	}
	if n := f.store.Len(); n != 0 {
		t.Errorf("invalid URLs must not write to the store, found %d keys", n)
	}
	if f.prober.calls.Load() != 0 {
		t.Error("probe must not run for an invalid URL")
	}
}

func TestEngine_CacheKeyOverride(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	f.prober.ok = false

	req := baseRequest()
	req.CacheKey = "campaign-7"
	f.engine.Examine(context.Background(), req)

	f.prober.ok = true
	req.URL = "https://other.example/start"
	v := f.engine.Examine(context.Background(), req)
	if v.Outcome != OutcomeLocalCached {
		t.Errorf("same cache key should replay the latch, got %+v", v)
	}
	if !f.flag(t, store.LocalKey("campaign-7")) {
		t.Error("latch should be stored under the override key")
	}
}

func TestEngine_RevalidationKeepsCachedDestination(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	_ = store.SetBool(ctx, f.store, store.RemoteKey(originURL), true)
	_ = f.store.Set(ctx, store.DestinationKey(originURL), "https://land.example/home?push_id=stale")
	f.resolver.respond = func(req resolver.Request) resolver.Result {
		return resolver.Result{Success: true, Destination: "https://land.example/home2", Reason: resolver.ReasonSuccess}
	}

	v := f.engine.Examine(ctx, baseRequest())
	if !v.Reveal || v.Destination != "https://land.example/home2" || v.Reason != ReasonValidCached {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if v.Outcome != OutcomeRevealedCached {
		t.Errorf("unexpected outcome %s", v.Outcome)
	}

	calls := f.resolver.calls()
	if len(calls) != 1 {
		t.Fatalf("expected a single resolution, got %d", len(calls))
	}
	if calls[0].URL != "https://land.example/home" {
		t.Errorf("stale push_id must be stripped before resolving, got %q", calls[0].URL)
	}
	if calls[0].Identity == "" {
		t.Error("revalidation must carry a fresh identity")
	}
	if got := f.value(store.DestinationKey(originURL)); got != "https://land.example/home2" {
		t.Errorf("updated destination not persisted, got %q", got)
	}
	if f.prober.calls.Load() != 0 || f.calendar.calls.Load() != 0 || f.classifier.calls.Load() != 0 {
		t.Error("gates must not run on a remote latch")
	}
}

func TestEngine_RevalidationFallsBackToPathToken(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	_ = store.SetBool(ctx, f.store, store.RemoteKey(originURL), true)
	_ = f.store.Set(ctx, store.DestinationKey(originURL), "https://old.example/land")
	_ = f.store.Set(ctx, store.PathTokenKey(originURL), "abc")
	f.resolver.respond = func(req resolver.Request) resolver.Result {
		if strings.HasPrefix(req.URL, "https://old.example") {
			return rejectWith(http.StatusNotFound)(req)
		}
		return resolver.Result{Success: true, Destination: "https://new.example/land?pathid=abc", Reason: resolver.ReasonSuccess}
	}

	v := f.engine.Examine(ctx, baseRequest())
	if !v.Reveal || v.Reason != ReasonRecovered || v.Outcome != OutcomeRevealedRecovered {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	calls := f.resolver.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 resolutions, got %d", len(calls))
	}
	if calls[1].URL != originURL+"?pathid=abc" {
		t.Errorf("fallback should use original?pathid=abc, got %q", calls[1].URL)
	}
	if got := f.value(store.DestinationKey(originURL)); got != "https://new.example/land?pathid=abc" {
		t.Errorf("recovered destination not persisted, got %q", got)
	}
}

func TestEngine_RevalidationPreservesCachedPathToken(t *testing.T) {
	f := newFixture(rejectWith(http.StatusGone))
	ctx := context.Background()
	_ = store.SetBool(ctx, f.store, store.RemoteKey(originURL), true)
	_ = f.store.Set(ctx, store.DestinationKey(originURL), "https://old.example/land?pathid=zzz&push_id=stale")

	f.engine.Examine(ctx, baseRequest())

	if got := f.value(store.PathTokenKey(originURL)); got != "zzz" {
		t.Errorf("cached destination's pathid should be preserved, got %q", got)
	}
	calls := f.resolver.calls()
	if len(calls) != 2 || calls[1].URL != originURL+"?pathid=zzz" {
		t.Errorf("unexpected fallback requests: %+v", calls)
	}
}

func TestEngine_RevalidationDegrades(t *testing.T) {
	f := newFixture(rejectWith(http.StatusInternalServerError))
	ctx := context.Background()
	_ = store.SetBool(ctx, f.store, store.RemoteKey(originURL), true)
	_ = f.store.Set(ctx, store.DestinationKey(originURL), "https://old.example/land")

	v := f.engine.Examine(ctx, baseRequest())
	if !v.Reveal || v.Destination != "" || v.Reason != ReasonDegraded {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if !v.Degraded() || v.Outcome != OutcomeDegraded {
		t.Error("verdict should report degraded")
	}
	if calls := f.resolver.calls(); len(calls) != 2 || calls[1].URL != originURL {
		t.Errorf("without a path token the fallback is the bare original URL: %+v", calls)
	}
	if !f.flag(t, store.RemoteKey(originURL)) || f.flag(t, store.LocalKey(originURL)) {
		t.Error("degraded reveal must not flip the latch")
	}
	if got := f.value(store.DestinationKey(originURL)); got != "https://old.example/land" {
		t.Errorf("destination must be left alone on failure, got %q", got)
	}
}

func TestEngine_RemoteLatchWithoutDestinationUsesURL(t *testing.T) {
	f := newFixture(succeedWith("https://realm.example/start?push_id=x"))
	ctx := context.Background()
	_ = store.SetBool(ctx, f.store, store.RemoteKey(originURL), true)

	v := f.engine.Examine(ctx, baseRequest())
	if v.Outcome != OutcomeRevealedCached {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if got := f.resolver.calls()[0].URL; got != originURL {
		t.Errorf("expected the request URL, got %q", got)
	}
}

func TestEngine_ConcurrentCallersShareOneExamination(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(func(resolver.Request) resolver.Result {
		<-release
		return resolver.Result{Success: true, Destination: "https://example.com/x", Reason: resolver.ReasonSuccess}
	})

	const callers = 8
	verdicts := make(chan Verdict, callers)
	var started sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		go func() {
			started.Done()
			verdicts <- f.engine.Examine(context.Background(), baseRequest())
		}()
	}
	started.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.resolver.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		v := <-verdicts
		if !v.Reveal {
			t.Errorf("caller %d got %+v", i, v)
		}
	}
	// Callers that arrived after the first flight finished replay the
	// remote latch through revalidation; none re-run the gates.
	if n := f.prober.calls.Load(); n != 1 {
		t.Errorf("probe ran %d times, want 1", n)
	}
}

func TestEngine_AbandonedCallerDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(func(resolver.Request) resolver.Result {
		<-release
		return resolver.Result{Success: true, Destination: "https://example.com/x", Reason: resolver.ReasonSuccess}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Verdict, 1)
	go func() { done <- f.engine.Examine(ctx, baseRequest()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.resolver.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case v := <-done:
		if v.Reveal || v.Outcome != OutcomeAbandoned {
			t.Errorf("unexpected verdict: %+v", v)
		}
		if !strings.HasPrefix(v.Reason, ReasonAbandonedPrefix) {
			t.Errorf("unexpected reason: %q", v.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Examine did not return after the caller's context was cancelled")
	}

	close(release)
	deadline = time.Now().Add(2 * time.Second)
	for !f.flag(t, store.RemoteKey(originURL)) {
		if time.Now().After(deadline) {
			t.Fatal("in-flight examination should still latch its outcome")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngine_ExamineAsync(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))

	ch := f.engine.ExamineAsync(context.Background(), baseRequest())
	select {
	case v, ok := <-ch:
		if !ok || !v.Reveal {
			t.Fatalf("unexpected verdict: %+v ok=%v", v, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no verdict delivered")
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after the verdict")
	}
}

func TestEngine_ForInstallIsolatesLatchesAndIdentity(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	ctx := context.Background()
	f.prober.ok = false

	a := f.engine.ForInstall("device-a")
	b := f.engine.ForInstall("device-b")
	a.Examine(ctx, baseRequest())

	f.prober.ok = true
	if v := b.Examine(ctx, baseRequest()); !v.Reveal {
		t.Errorf("install b must not see install a's latch: %+v", v)
	}
	if v := a.Examine(ctx, baseRequest()); v.Outcome != OutcomeLocalCached {
		t.Errorf("install a should replay its own latch: %+v", v)
	}

	if _, ok, _ := f.store.Get(ctx, store.InstallPrefix("device-a")+store.LocalKey(originURL)); !ok {
		t.Error("install latch should live under the install prefix")
	}

	idA, _ := a.Identity(ctx)
	idB, _ := b.Identity(ctx)
	if idA == "" || idA == idB {
		t.Errorf("identities must be per install: %q %q", idA, idB)
	}
	if again, _ := f.engine.ForInstall("device-a").Identity(ctx); again != idA {
		t.Errorf("identity not stable across ForInstall: %q vs %q", again, idA)
	}
}

type flakyStore struct {
	*store.Memory
	failGets bool
	failSets bool
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.failGets {
		return "", false, errors.New("read failed")
	}
	return s.Memory.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	if s.failSets {
		return errors.New("write failed")
	}
	return s.Memory.Set(ctx, key, value)
}

func TestEngine_StoreErrorsDoNotChangeVerdict(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory(), failGets: true, failSets: true}
	r := &stubResolver{respond: succeedWith("https://example.com/x")}
	e := New(Dependencies{
		Store:      s,
		Prober:     &stubProber{ok: true},
		Calendar:   &stubCalendar{open: true},
		Classifier: &stubClassifier{eligible: true},
		Resolver:   r,
		Logger:     zap.NewNop(),
	}, Config{})

	v := e.Examine(context.Background(), baseRequest())
	if !v.Reveal || v.Reason != ReasonAllPassed {
		t.Fatalf("store errors should read as unset and not affect the verdict: %+v", v)
	}
	if got := r.calls()[0].Identity; got != "" {
		t.Errorf("identity should be empty when the store fails, got %q", got)
	}
}

func TestEngine_WithRealResolver(t *testing.T) {
	var finalStatus atomic.Int32
	finalStatus.Store(http.StatusOK)
	var startQueries sync.Map

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		startQueries.Store(r.URL.RawQuery, true)
		http.Redirect(w, r, "/x?pathid=abc", http.StatusFound)
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(finalStatus.Load()))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := store.NewMemory()
	e := New(Dependencies{
		Store:    s,
		Prober:   &stubProber{ok: true},
		Calendar: &stubCalendar{open: true},
		Resolver: resolver.New(resolver.Config{Logger: zap.NewNop()}),
		Logger:   zap.NewNop(),
	}, Config{})
	ctx := context.Background()
	origin := srv.URL + "/start"

	v := e.Examine(ctx, Request{URL: origin, Timeout: 2 * time.Second})
	if !v.Reveal || v.Destination != srv.URL+"/x?pathid=abc" || v.Reason != ReasonAllPassed {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if token, _, _ := s.Get(ctx, store.PathTokenKey(origin)); token != "abc" {
		t.Errorf("path token should be keyed by the original URL hash, got %q", token)
	}

	// The cached destination now fails; the fallback goes through /start
	// with the preserved token and redirects back to /x, which fails too.
	finalStatus.Store(http.StatusNotFound)
	v = e.Examine(ctx, Request{URL: origin, Timeout: 2 * time.Second})
	if !v.Degraded() {
		t.Fatalf("expected degraded reveal, got %+v", v)
	}

	id, _ := e.Identity(ctx)
	if _, ok := startQueries.Load("pathid=abc&push_id=" + id); !ok {
		var seen []string
		startQueries.Range(func(k, _ any) bool { seen = append(seen, k.(string)); return true })
		t.Errorf("fallback should request original?pathid=abc, saw %v", seen)
	}
}

func TestEngine_BudgetCoversRevalidation(t *testing.T) {
	e := New(Dependencies{Store: store.NewMemory()}, Config{ProbeTimeout: 2 * time.Second, DefaultTimeout: 12 * time.Second})

	if got := e.Budget(Request{}); got != 26*time.Second {
		t.Errorf("default budget = %v, want 26s", got)
	}
	if got := e.Budget(Request{Timeout: 20 * time.Second}); got != 42*time.Second {
		t.Errorf("budget with 20s timeout = %v, want 42s", got)
	}
}

func TestEngine_DerivedEnginesShareIdentityLock(t *testing.T) {
	f := newFixture(succeedWith("https://example.com/x"))
	ctx := context.Background()

	if f.engine.installLock("device-x") != f.engine.ForInstall("device-y").installLock("device-x") {
		t.Fatal("derived engines must share the lock stripes")
	}

	ids := make([]string, 32)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = f.engine.ForInstall("device-x").Identity(ctx)
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id == "" || id != ids[0] {
			t.Fatalf("concurrent first reads produced different identities: %q vs %q", id, ids[0])
		}
	}
}
