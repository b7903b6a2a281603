package autoscout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autoscout-watcher/models"
	"autoscout-watcher/utils"
)

// FetchKind classifies a fetch failure.
type FetchKind int

const (
	FetchNetwork FetchKind = iota
	FetchHTTPStatus
	FetchDecode
	FetchTemplate
)

func (k FetchKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchHTTPStatus:
		return "http-status"
	case FetchTemplate:
		return "template"
	default:
		return "decode"
	}
}

// FetchError describes why a page fetch failed. Network and HTTP-status
// failures are retryable; decode and template failures are not: a malformed
// envelope or an unusable endpoint template will not fix itself on retry.
type FetchError struct {
	Kind FetchKind
	Code int
	Err  error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPStatus {
		return fmt.Sprintf("fetch: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// envelope is the shape the catalog's data endpoint wraps its results in.
type envelope struct {
	PageProps *struct {
		Listings []models.RawRecord `json:"listings"`
	} `json:"pageProps"`
}

// Fetcher retrieves one page of raw listing records from a resolved
// endpoint template. Requests are paced by a shared rate limiter and carry
// a User-Agent picked at random from the configured pool per request.
type Fetcher struct {
	client  *http.Client
	agents  []string
	limiter *rate.Limiter
	logger  *utils.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewFetcher creates a Fetcher with the given identity pool and pacing.
func NewFetcher(agents []string, timeout time.Duration, rateLimitMs int, logger *utils.Logger) *Fetcher {
	every := time.Duration(rateLimitMs) * time.Millisecond
	if every <= 0 {
		every = time.Millisecond
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		agents:  agents,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		logger:  logger,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fetch retrieves the records of one page. lastPage is true when the
// upstream answered 404, the "no page here" signal that ends pagination
// without being an error. An empty record slice with a nil error is the
// other end-of-results signal.
func (f *Fetcher) Fetch(ctx context.Context, tmpl *models.EndpointTemplate, page int) (records []models.RawRecord, lastPage bool, err error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, &FetchError{Kind: FetchNetwork, Err: err}
	}

	pageURL, err := pagedURL(tmpl, page)
	if err != nil {
		return nil, false, utils.Permanent(&FetchError{Kind: FetchTemplate, Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, tmpl.Method, pageURL, nil)
	if err != nil {
		return nil, false, utils.Permanent(&FetchError{Kind: FetchTemplate, Err: err})
	}
	for k, vals := range tmpl.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.randomAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, &FetchError{Kind: FetchNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		f.logger.Debug("[fetcher] Page %d returned 404 — treating as end of results", page)
		return nil, true, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, &FetchError{Kind: FetchHTTPStatus, Code: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, false, utils.Permanent(&FetchError{Kind: FetchDecode, Err: err})
	}
	if env.PageProps == nil {
		return nil, false, utils.Permanent(&FetchError{
			Kind: FetchDecode,
			Err:  fmt.Errorf("response missing pageProps envelope"),
		})
	}

	f.logger.Debug("[fetcher] Page %d — %d records", page, len(env.PageProps.Listings))
	return env.PageProps.Listings, false, nil
}

// pagedURL substitutes the page index into the template's pagination
// parameter, preserving every other query parameter as resolved.
func pagedURL(tmpl *models.EndpointTemplate, page int) (string, error) {
	u, err := url.Parse(tmpl.URL)
	if err != nil {
		return "", fmt.Errorf("parse template url: %w", err)
	}
	q := u.Query()
	q.Set(tmpl.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) randomAgent() string {
	if len(f.agents) == 0 {
		return "Mozilla/5.0 (compatible; autoscout-watcher)"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[f.rnd.Intn(len(f.agents))]
}
