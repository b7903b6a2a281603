package browser

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"autoscout-watcher/utils"
)

// ChromeRenderer drives a headless Chrome via chromedp, passively recording
// every outbound request fired during page load. Selecting the sort option
// is what makes the page issue its content-data call.
type ChromeRenderer struct {
	headless     bool
	sortSelector string
	sortOption   string
	logger       *utils.Logger
}

// NewChromeRenderer creates a ChromeRenderer.
func NewChromeRenderer(headless bool, sortSelector, sortOption string, logger *utils.Logger) *ChromeRenderer {
	return &ChromeRenderer{
		headless:     headless,
		sortSelector: sortSelector,
		sortOption:   sortOption,
		logger:       logger,
	}
}

// LoadAndObserve navigates to pageURL, triggers the sort interaction and
// returns all requests observed before the timeout elapsed.
func (c *ChromeRenderer) LoadAndObserve(ctx context.Context, pageURL string, timeout time.Duration) ([]ObservedRequest, error) {
	chromeBin := findChromeBinary()
	if chromeBin != "" {
		c.logger.Debug("[browser] Using browser binary: %s", chromeBin)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	taskCtx, cancelTask := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelTask()

	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, timeout)
	defer cancelTimeout()

	var mu sync.Mutex
	var observed []ObservedRequest

	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		mu.Lock()
		observed = append(observed, ObservedRequest{
			Method: e.Request.Method,
			URL:    e.Request.URL,
			Header: cdpHeader(e.Request.Headers),
		})
		mu.Unlock()
	})

	var sorted bool
	err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.Sleep(4*time.Second),

		// Re-sort the result list; the page answers with a fresh data request.
		chromedp.Evaluate(`
			(function() {
				var el = document.querySelector(`+"`"+c.sortSelector+"`"+`);
				if (!el) return false;
				el.value = `+"`"+c.sortOption+"`"+`;
				el.dispatchEvent(new Event('change', { bubbles: true }));
				return true;
			})()
		`, &sorted),
		chromedp.Sleep(4*time.Second),
	)

	mu.Lock()
	captured := make([]ObservedRequest, len(observed))
	copy(captured, observed)
	mu.Unlock()

	if err != nil {
		// Requests captured before the failure are still worth inspecting.
		if len(captured) > 0 {
			c.logger.Warn("[browser] Render ended with error after %d observed requests: %v", len(captured), err)
			return captured, nil
		}
		return nil, err
	}

	if !sorted {
		c.logger.Warn("[browser] Sort dropdown %q not found on page", c.sortSelector)
	}
	c.logger.Debug("[browser] Observed %d requests during render", len(captured))
	return captured, nil
}

// cdpHeader converts CDP's loosely-typed header map to http.Header.
func cdpHeader(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out.Add(k, s)
		}
	}
	return out
}

// findChromeBinary locates a Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
