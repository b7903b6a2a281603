package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autoscout-watcher/models"
	"autoscout-watcher/utils"
)

// ObservedRequest is one outbound request captured while the search page
// rendered.
type ObservedRequest struct {
	Method string
	URL    string
	Header http.Header
}

// Renderer loads a page in some browser-like environment and reports every
// outbound request observed during the load. The chromedp implementation
// lives in chrome.go; tests substitute a canned fake.
type Renderer interface {
	LoadAndObserve(ctx context.Context, pageURL string, timeout time.Duration) ([]ObservedRequest, error)
}

// ResolutionReason classifies a failed endpoint resolution.
type ResolutionReason int

const (
	ResolutionNotFound ResolutionReason = iota
	ResolutionRenderTimeout
)

func (r ResolutionReason) String() string {
	if r == ResolutionRenderTimeout {
		return "render-timeout"
	}
	return "not-found"
}

// ResolutionError reports why no endpoint template could be resolved.
type ResolutionError struct {
	Reason ResolutionReason
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve: %s", e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver discovers the catalog's live data endpoint by rendering the
// search page and picking the first observed request that looks like a
// paginated content-data call. Purely discovery: no persisted side effects,
// and calling it twice is safe.
type Resolver struct {
	renderer  Renderer
	searchURL string
	host      string
	pattern   string
	pageParam string
	timeout   time.Duration
	logger    *utils.Logger
}

// NewResolver creates a Resolver over the given renderer.
func NewResolver(renderer Renderer, searchURL, host, pattern, pageParam string, timeout time.Duration, logger *utils.Logger) *Resolver {
	return &Resolver{
		renderer:  renderer,
		searchURL: searchURL,
		host:      host,
		pattern:   pattern,
		pageParam: pageParam,
		timeout:   timeout,
		logger:    logger,
	}
}

// Resolve renders the search page and returns the endpoint template of the
// first matching observed request.
func (r *Resolver) Resolve(ctx context.Context) (*models.EndpointTemplate, error) {
	r.logger.Info("[resolver] Rendering search page to discover the data endpoint...")

	observed, err := r.renderer.LoadAndObserve(ctx, r.searchURL, r.timeout)
	if err != nil {
		reason := ResolutionNotFound
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ResolutionRenderTimeout
		}
		return nil, &ResolutionError{Reason: reason, Err: err}
	}

	for _, req := range observed {
		if !r.matches(req) {
			continue
		}
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		r.logger.Info("[resolver] Endpoint found: %s %s", method, req.URL)
		return &models.EndpointTemplate{
			Method:    method,
			URL:       req.URL,
			Header:    sanitizeHeader(req.Header),
			PageParam: r.pageParam,
		}, nil
	}

	r.logger.Warn("[resolver] No request matched the endpoint pattern among %d observed", len(observed))
	return nil, &ResolutionError{Reason: ResolutionNotFound}
}

// matches is the structural predicate for the content-data request: right
// host, endpoint pattern in the path, and a pagination parameter present.
func (r *Resolver) matches(req ObservedRequest) bool {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Host, r.host) {
		return false
	}
	if !strings.Contains(u.Path, r.pattern) {
		return false
	}
	return u.Query().Has(r.pageParam)
}

// sanitizeHeader copies the observed headers, dropping the ones the fetcher
// manages itself and the CDP-internal pseudo headers.
func sanitizeHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		if strings.HasPrefix(k, ":") {
			continue
		}
		switch http.CanonicalHeaderKey(k) {
		case "User-Agent", "Cookie", "Content-Length":
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}
