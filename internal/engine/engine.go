// Package engine decides whether an install is shown the remote destination
// or the local experience, and latches that decision per cache key.
package engine

import (
	"context"
	"hash/fnv"
	"net/url"
	"sync"
	"time"

	"github.com/triage-ai/realmgate/internal/engine/gates"
	"github.com/triage-ai/realmgate/internal/identity"
	"github.com/triage-ai/realmgate/internal/resolver"
	"github.com/triage-ai/realmgate/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultProbeTimeout    = 2 * time.Second
	DefaultResolverTimeout = 12 * time.Second
)

// Resolver performs the outbound resolution. *resolver.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) resolver.Result
}

// Calendar answers whether an activation instant has been reached.
type Calendar interface {
	IsOpen(target time.Time) bool
}

// Config holds engine timeouts.
type Config struct {
	ProbeTimeout   time.Duration // default 2s
	DefaultTimeout time.Duration // resolver deadline when the request has none; default 12s
}

// Dependencies are the collaborators the engine composes. Store, Prober and
// Resolver are required.
type Dependencies struct {
	Store      store.FlagStore
	Prober     gates.Prober
	Calendar   Calendar         // nil = gates.TemporalGate on the system clock
	Classifier gates.Classifier // nil = gates.FormFactorClassifier
	Resolver   Resolver
	Logger     *zap.Logger
}

// Engine sequences the gates and owns the latch policy. One Engine serves a
// single install; ForInstall derives engines for others that share the same
// backing store and flight group.
type Engine struct {
	store      store.FlagStore
	identity   *identity.Provider
	prober     gates.Prober
	calendar   Calendar
	classifier gates.Classifier
	resolver   Resolver
	cfg        Config
	logger     *zap.Logger

	install string
	root    store.FlagStore
	group   *singleflight.Group
	locks   *[installLockStripes]sync.Mutex
}

// installLockStripes bounds the identity locks shared by all installs.
const installLockStripes = 64

// New creates an engine for the default (unnamespaced) install.
func New(deps Dependencies, cfg Config) *Engine {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultResolverTimeout
	}
	calendar := deps.Calendar
	if calendar == nil {
		calendar = gates.TemporalGate{Clock: gates.SystemClock{}}
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = gates.FormFactorClassifier{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:      deps.Store,
		prober:     deps.Prober,
		calendar:   calendar,
		classifier: classifier,
		resolver:   deps.Resolver,
		cfg:        cfg,
		logger:     logger,
		root:       deps.Store,
		group:      &singleflight.Group{},
		locks:      &[installLockStripes]sync.Mutex{},
	}
	e.identity = identity.NewLockedProvider(deps.Store, e.installLock(""))
	return e
}

// ForInstall returns an engine whose flags and identity live in the
// install's namespace of the shared store. An empty id returns e's root
// install.
func (e *Engine) ForInstall(id string) *Engine {
	if id == e.install {
		return e
	}
	ns := store.Namespace(e.root, id)

	derived := *e
	derived.store = ns
	derived.identity = identity.NewLockedProvider(ns, e.installLock(id))
	derived.install = id
	return &derived
}

// installLock returns the identity lock stripe for an install. Installs that
// share a stripe only serialize identity creation.
func (e *Engine) installLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &e.locks[h.Sum32()%installLockStripes]
}

// Identity returns the install identity, creating it if needed.
func (e *Engine) Identity(ctx context.Context) (string, error) {
	return e.identity.GetOrCreate(ctx)
}

// Store returns the install-scoped flag store.
func (e *Engine) Store() store.FlagStore {
	return e.store
}

// Examine runs one examination and always returns a verdict.
//
// Concurrent calls for the same install and cache key share a single
// examination. The examination itself is detached from ctx: if ctx ends
// first the caller gets an abandoned verdict while the shared examination
// finishes and latches its own outcome.
func (e *Engine) Examine(ctx context.Context, req Request) Verdict {
	if !resolver.Valid(req.URL) {
		return Verdict{Reason: ReasonInvalidURL, Outcome: OutcomeInvalid}
	}

	key := req.Key()
	detached := context.WithoutCancel(ctx)
	ch := e.group.DoChan(e.install+"\x00"+key, func() (any, error) {
		return e.examine(detached, req, key), nil
	})

	select {
	case res := <-ch:
		return res.Val.(Verdict)
	case <-ctx.Done():
		e.logger.Info("examination abandoned by caller",
			zap.String("install", e.install),
			zap.String("cache_key", key),
			zap.Error(ctx.Err()),
		)
		return Verdict{Reason: ReasonAbandonedPrefix + ctx.Err().Error(), Outcome: OutcomeAbandoned}
	}
}

// ExamineAsync runs Examine in the background. The channel yields exactly
// one verdict and is then closed.
func (e *Engine) ExamineAsync(ctx context.Context, req Request) <-chan Verdict {
	ch := make(chan Verdict, 1)
	go func() {
		defer close(ch)
		ch <- e.Examine(ctx, req)
	}()
	return ch
}

func (e *Engine) examine(ctx context.Context, req Request, key string) Verdict {
	logger := e.logger.With(zap.String("install", e.install), zap.String("cache_key", key))

	if e.flag(ctx, logger, store.RemoteKey(key)) {
		return e.revalidate(ctx, req, key, logger)
	}
	if e.flag(ctx, logger, store.LocalKey(key)) {
		return Verdict{Reason: ReasonCachedLocal, Outcome: OutcomeLocalCached}
	}

	if !e.prober.Probe(ctx, e.cfg.ProbeTimeout) {
		return e.latchLocal(ctx, logger, key, ReasonUnreachable)
	}
	if !e.calendar.IsOpen(req.ActivateAt) {
		return e.latchLocal(ctx, logger, key, ReasonDateNotReached)
	}
	if req.DeviceCheck && !e.classifier.IsEligible(req.DeviceModel) {
		return e.latchLocal(ctx, logger, key, ReasonDeviceUnsuitable)
	}

	res := e.resolver.Resolve(ctx, e.resolveRequest(ctx, logger, req, req.URL))
	if !res.Success {
		return e.latchLocal(ctx, logger, key, ReasonResolutionPrefix+res.Reason)
	}

	e.setBool(ctx, logger, store.RemoteKey(key))
	e.set(ctx, logger, store.DestinationKey(key), res.Destination)
	logger.Info("remote destination latched", zap.String("destination_host", hostOf(res.Destination)))
	return Verdict{Reveal: true, Destination: res.Destination, Reason: ReasonAllPassed, Outcome: OutcomeRevealed}
}

// revalidate replays a remote latch: the cached destination is resolved
// again, then the original URL with the preserved path token, and finally
// the reveal degrades to an empty destination. The latch itself never flips.
func (e *Engine) revalidate(ctx context.Context, req Request, key string, logger *zap.Logger) Verdict {
	cached := e.get(ctx, logger, store.DestinationKey(key))
	if cached == "" {
		cached = req.URL
	}
	cached = resolver.StripParam(cached, resolver.IdentityParam)
	if token := resolver.PathToken(cached); token != "" {
		e.set(ctx, logger, store.PathTokenKey(req.URL), token)
	}

	res := e.resolver.Resolve(ctx, e.resolveRequest(ctx, logger, req, cached))
	if res.Success {
		e.set(ctx, logger, store.DestinationKey(key), res.Destination)
		return Verdict{Reveal: true, Destination: res.Destination, Reason: ReasonValidCached, Outcome: OutcomeRevealedCached}
	}
	logger.Info("cached destination no longer resolves", zap.String("reason", res.Reason))

	fallback := req.URL
	if token := e.get(ctx, logger, store.PathTokenKey(req.URL)); token != "" {
		fallback = resolver.AppendParam(fallback, resolver.PathParam, token)
	}
	res = e.resolver.Resolve(ctx, e.resolveRequest(ctx, logger, req, fallback))
	if res.Success {
		e.set(ctx, logger, store.DestinationKey(key), res.Destination)
		return Verdict{Reveal: true, Destination: res.Destination, Reason: ReasonRecovered, Outcome: OutcomeRevealedRecovered}
	}

	logger.Warn("revalidation failed, revealing without destination", zap.String("reason", res.Reason))
	return Verdict{Reveal: true, Reason: ReasonDegraded, Outcome: OutcomeDegraded}
}

// Budget is the longest one examination of req can run: the reachability
// probe plus the two resolutions of a revalidation.
func (e *Engine) Budget(req Request) time.Duration {
	return e.cfg.ProbeTimeout + 2*e.resolveTimeout(req)
}

func (e *Engine) resolveTimeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.cfg.DefaultTimeout
}

func (e *Engine) resolveRequest(ctx context.Context, logger *zap.Logger, req Request, target string) resolver.Request {
	return resolver.Request{
		URL:      target,
		Origin:   req.URL,
		Identity: e.identityToken(ctx, logger),
		Timeout:  e.resolveTimeout(req),
		Paths:    e.store,
	}
}

// identityToken returns "" when the identity cannot be loaded; resolution
// proceeds without the push_id parameter.
func (e *Engine) identityToken(ctx context.Context, logger *zap.Logger) string {
	token, err := e.identity.GetOrCreate(ctx)
	if err != nil {
		logger.Warn("identity unavailable", zap.Error(err))
		return ""
	}
	return token
}

func (e *Engine) latchLocal(ctx context.Context, logger *zap.Logger, key, reason string) Verdict {
	e.setBool(ctx, logger, store.LocalKey(key))
	logger.Info("local experience latched", zap.String("reason", reason))
	return Verdict{Reason: reason, Outcome: OutcomeLocal}
}

// flag treats read errors as unset.
func (e *Engine) flag(ctx context.Context, logger *zap.Logger, key string) bool {
	v, err := store.Bool(ctx, e.store, key)
	if err != nil {
		logger.Warn("flag read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return v
}

func (e *Engine) get(ctx context.Context, logger *zap.Logger, key string) string {
	v, _, err := e.store.Get(ctx, key)
	if err != nil {
		logger.Warn("store read failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return v
}

// set logs write errors; they never change the verdict.
func (e *Engine) set(ctx context.Context, logger *zap.Logger, key, value string) {
	if err := e.store.Set(ctx, key, value); err != nil {
		logger.Warn("store write failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) setBool(ctx context.Context, logger *zap.Logger, key string) {
	if err := store.SetBool(ctx, e.store, key, true); err != nil {
		logger.Warn("store write failed", zap.String("key", key), zap.Error(err))
	}
}

// hostOf keeps identities and path tokens out of log lines.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
