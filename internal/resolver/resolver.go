// Package resolver performs the single outbound GET that decides whether a
// remote destination accepts this install, following redirects to the final
// destination URL.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/triage-ai/realmgate/internal/store"
	"go.uber.org/zap"
)

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrTransport      = errors.New("transport failure")
	ErrTimeout        = errors.New("deadline exceeded")
	ErrRejectedStatus = errors.New("rejected status")
)

// Reasons reported in Result.Reason.
const (
	ReasonSuccess    = "success"
	ReasonInvalidURL = "invalid manor address"
	ReasonUnknown    = "unknown royal error"
)

// The accepted status band is 200..403 inclusive. Client errors up to 403
// are upstream filtering responses and still count as a valid destination.
const (
	MinAcceptedStatus = 200
	MaxAcceptedStatus = 403
)

const (
	DefaultTimeout      = 12 * time.Second
	DefaultMaxRedirects = 10

	// maxDrain bounds how much of a body is read so the connection can be reused.
	maxDrain = 64 << 10
)

// Accepted reports whether a terminal status code admits the destination.
func Accepted(code int) bool {
	return code >= MinAcceptedStatus && code <= MaxAcceptedStatus
}

// Request describes one resolution attempt.
type Request struct {
	URL      string          // candidate URL, without the identity parameter
	Origin   string          // URL whose hash keys the path token; defaults to URL
	Identity string          // install identity, appended as push_id when non-empty
	Timeout  time.Duration   // hard deadline for the whole attempt
	Paths    store.FlagStore // where a pathid on the destination is preserved; may be nil
}

// Result is the outcome of a resolution attempt.
type Result struct {
	Success     bool
	Destination string // final URL after redirects; empty unless Success
	Reason      string
	StatusCode  int   // 0 when no response was received
	Err         error // wraps one of the package sentinels; nil on success
}

// Config configures a Resolver.
type Config struct {
	Client       *http.Client // nil = private client with a cloned default transport
	MaxRedirects int          // default 10
	UserAgent    string
	Logger       *zap.Logger
}

// Resolver issues resolution requests. Safe for concurrent use.
type Resolver struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	var client http.Client
	if cfg.Client != nil {
		client = *cfg.Client
	} else {
		client.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if client.CheckRedirect == nil {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		client:    &client,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Resolve appends the identity to req.URL, performs one GET and classifies
// the terminal response. It never returns without releasing the response
// body and the request context.
func (r *Resolver) Resolve(ctx context.Context, req Request) Result {
	target := WithIdentity(req.URL, req.Identity)
	if !Valid(target) {
		return Result{Reason: ReasonInvalidURL, Err: ErrInvalidURL}
	}
	u, _ := url.Parse(target)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{Reason: ReasonInvalidURL, Err: fmt.Errorf("%w: %v", ErrInvalidURL, err)}
	}
	if r.userAgent != "" {
		httpReq.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Result{Reason: ReasonUnknown, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
		}
		return Result{
			Reason: "courier path error: " + describe(err),
			Err:    fmt.Errorf("%w: %v", ErrTransport, err),
		}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
		_ = resp.Body.Close()
	}()

	if !Accepted(resp.StatusCode) {
		return Result{
			Reason:     fmt.Sprintf("distant manor error: %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %d", ErrRejectedStatus, resp.StatusCode),
		}
	}

	destination := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		destination = resp.Request.URL.String()
	}

	r.preservePathToken(ctx, req, destination)

	return Result{
		Success:     true,
		Destination: destination,
		Reason:      ReasonSuccess,
		StatusCode:  resp.StatusCode,
	}
}

// preservePathToken stores the destination's pathid under the origin's hash.
func (r *Resolver) preservePathToken(ctx context.Context, req Request, destination string) {
	if req.Paths == nil {
		return
	}
	token := PathToken(destination)
	if token == "" {
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = req.URL
	}
	if err := req.Paths.Set(context.WithoutCancel(ctx), store.PathTokenKey(origin), token); err != nil {
		r.logger.Warn("failed to preserve path token",
			zap.String("origin_hash", store.HashURL(origin)),
			zap.Error(err),
		)
	}
}

// isTimeout reports whether err came from the deadline (or cancellation)
// rather than from the network itself.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// describe strips the request URL (which carries the identity) from err.
func describe(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err.Error()
	}
	return err.Error()
}
