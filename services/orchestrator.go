package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autoscout-watcher/config"
	"autoscout-watcher/models"
	"autoscout-watcher/notify"
	"autoscout-watcher/scraper/autoscout"
	"autoscout-watcher/storage"
	"autoscout-watcher/utils"
)

// EndpointResolver discovers the catalog's data endpoint template.
type EndpointResolver interface {
	Resolve(ctx context.Context) (*models.EndpointTemplate, error)
}

// PageFetcher retrieves one page of raw records from a resolved template.
type PageFetcher interface {
	Fetch(ctx context.Context, tmpl *models.EndpointTemplate, page int) (records []models.RawRecord, lastPage bool, err error)
}

// Journal records classified changes; nil disables journaling.
type Journal interface {
	Record(cycleID string, l *models.Listing, change models.Change) error
}

// Orchestrator drives the scrape loop: resolve → fetch pages → normalize →
// classify → persist → notify → prune → sleep. One cycle at a time; a failed
// cycle never blocks the next one. Only context cancellation ends the loop.
type Orchestrator struct {
	cfg      *config.Config
	logger   *utils.Logger
	resolver EndpointResolver
	fetcher  PageFetcher
	detector *Detector
	store    storage.ListingStore
	notifier notify.Notifier
	journal  Journal
	summary  *SummaryService
	retry    *utils.RetryConfig
	pool     *utils.WorkerPool

	// Cached endpoint template, invalidated after consecutive failed
	// cycles reach the configured limit.
	template     *models.EndpointTemplate
	failedCycles int
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	cfg *config.Config,
	logger *utils.Logger,
	resolver EndpointResolver,
	fetcher PageFetcher,
	store storage.ListingStore,
	notifier notify.Notifier,
	journal Journal,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		fetcher:  fetcher,
		detector: NewDetector(logger),
		store:    store,
		notifier: notifier,
		journal:  journal,
		summary:  NewSummaryService(logger),
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
		// Telegram throttles bots around one message per second per chat.
		pool: utils.NewWorkerPool(1, 1100),
	}
}

// Run executes scrape cycles until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("[orchestrator] %s starting — interval %v, pages %v",
		o.cfg.BotName, o.cfg.ScrapeInterval, o.cfg.Pages)

	cycle := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cycle++
		o.logger.Info("[orchestrator] ======== Cycle #%d ========", cycle)
		res := o.runCycle(ctx)
		o.logger.Info("[orchestrator] Cycle %s done in %v — pages: %d | fetched: %d | new: %d | updated: %d | unchanged: %d | skipped: %d | errors: %d | pruned: %d",
			res.CycleID, res.Duration.Round(time.Millisecond), res.Pages, res.Fetched,
			res.New, res.Updated, res.Unchanged, res.Skipped, res.Errors, res.Pruned)

		o.logger.Info("[orchestrator] Sleeping %v until next cycle", o.cfg.ScrapeInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.ScrapeInterval):
		}
	}
}

// runCycle performs one full pass. Every failure inside is recoverable: the
// result carries the error counts and the loop carries on.
func (o *Orchestrator) runCycle(ctx context.Context) *models.CycleResult {
	start := time.Now()
	res := &models.CycleResult{CycleID: uuid.NewString()[:8]}
	defer func() { res.Duration = time.Since(start) }()

	tmpl, err := o.ensureTemplate(ctx)
	if err != nil {
		o.failCycle(res, fmt.Errorf("endpoint resolution: %w", err))
		return res
	}

	seen := utils.NewKeySet()
	var toPersist []*models.Listing
	var fresh []*models.Listing

	for _, page := range o.cfg.Pages {
		if ctx.Err() != nil {
			o.logger.Warn("[orchestrator] Cycle %s interrupted by shutdown", res.CycleID)
			break
		}

		records, lastPage, err := o.fetchPage(ctx, tmpl, page)
		if err != nil {
			o.noteCycleFailure()
			o.failCycle(res, fmt.Errorf("page %d: %w", page, err))
			return res
		}
		if lastPage {
			o.logger.Info("[orchestrator] Page %d does not exist — end of results", page)
			break
		}
		if len(records) == 0 {
			o.logger.Info("[orchestrator] Page %d is empty — end of results", page)
			break
		}

		res.Pages++
		res.Fetched += len(records)
		o.logger.Info("[orchestrator] Page %d — %d listings", page, len(records))

		now := time.Now()
		for _, raw := range records {
			listing, err := autoscout.Normalize(raw, o.cfg.CatalogBaseURL, now)
			if err != nil {
				res.Skipped++
				o.logger.Debug("[orchestrator] Skipping record: %v", err)
				continue
			}
			if !seen.Add(listing.IdentityKey) {
				o.logger.Debug("[orchestrator] Duplicate within cycle: %s", listing.IdentityKey)
				continue
			}

			previous, err := o.store.Get(ctx, listing.IdentityKey)
			if err != nil {
				res.Skipped++
				o.logger.Warn("[orchestrator] Store lookup failed for %s: %v", listing.IdentityKey, err)
				continue
			}

			change, merged := o.detector.Classify(listing, previous, now)
			switch change {
			case models.ChangeNew:
				res.New++
				fresh = append(fresh, merged)
			case models.ChangeUpdated:
				res.Updated++
			default:
				res.Unchanged++
			}
			toPersist = append(toPersist, merged)

			if o.journal != nil {
				if err := o.journal.Record(res.CycleID, merged, change); err != nil {
					o.logger.Warn("[orchestrator] Journal write failed: %v", err)
				}
			}
		}
	}

	o.failedCycles = 0

	if err := o.store.UpsertAll(ctx, toPersist); err != nil {
		o.failCycle(res, fmt.Errorf("persist: %w", err))
		return res
	}

	o.notifyNew(fresh)

	pruned, err := o.store.DeleteOlderThan(ctx, o.cfg.Retention)
	if err != nil {
		res.Errors++
		o.logger.Error("[orchestrator] Prune failed: %v", err)
	}
	res.Pruned = pruned

	o.logInventory(ctx)
	return res
}

// ensureTemplate returns the cached endpoint template or resolves a fresh
// one with retries.
func (o *Orchestrator) ensureTemplate(ctx context.Context) (*models.EndpointTemplate, error) {
	if o.template != nil {
		return o.template, nil
	}

	var tmpl *models.EndpointTemplate
	err := o.retry.Do("resolve-endpoint", func() error {
		var err error
		tmpl, err = o.resolver.Resolve(ctx)
		return err
	})
	if err != nil {
		o.noteCycleFailure()
		return nil, err
	}

	o.template = tmpl
	return tmpl, nil
}

// fetchPage wraps one page fetch with the retry policy. Decode failures are
// marked permanent by the fetcher and short-circuit the retries.
func (o *Orchestrator) fetchPage(ctx context.Context, tmpl *models.EndpointTemplate, page int) ([]models.RawRecord, bool, error) {
	var records []models.RawRecord
	var lastPage bool

	err := o.retry.Do(fmt.Sprintf("fetch-page-%d", page), func() error {
		var err error
		records, lastPage, err = o.fetcher.Fetch(ctx, tmpl, page)
		return err
	})
	return records, lastPage, err
}

// noteCycleFailure counts consecutive failed cycles and drops the cached
// template once the limit is reached, forcing re-resolution next cycle.
func (o *Orchestrator) noteCycleFailure() {
	o.failedCycles++
	if o.failedCycles >= o.cfg.ResolveFailureLimit && o.template != nil {
		o.logger.Warn("[orchestrator] %d consecutive failures — invalidating cached endpoint template", o.failedCycles)
		o.template = nil
	}
}

// failCycle records a cycle-level error and sends the single aggregated
// error notice. One per failed cycle, never one per record.
func (o *Orchestrator) failCycle(res *models.CycleResult, err error) {
	res.Errors++
	o.logger.Error("[orchestrator] Cycle %s failed: %v", res.CycleID, err)
	if sendErr := o.notifier.Send(notify.ErrorMessage(o.cfg.BotName, res.CycleID, err)); sendErr != nil {
		o.logger.Warn("[orchestrator] Error notification failed: %v", sendErr)
	}
}

// notifyNew dispatches one message per NEW listing through the rate-limited
// pool. Fire-and-forget: failures are logged, never retried.
func (o *Orchestrator) notifyNew(fresh []*models.Listing) {
	for _, l := range fresh {
		msg := notify.NewListingMessage(l)
		title := l.Title()
		o.pool.Submit(func() {
			if err := o.notifier.Send(msg); err != nil {
				o.logger.Warn("[orchestrator] Notification failed for %s: %v", title, err)
			}
		})
	}
	o.pool.Wait()
}

// logInventory prints the one-line digest of stored inventory after a
// successful cycle.
func (o *Orchestrator) logInventory(ctx context.Context) {
	listings, err := o.store.FetchAll(ctx)
	if err != nil {
		o.logger.Warn("[orchestrator] Inventory fetch failed: %v", err)
		return
	}
	o.summary.Log(o.summary.Generate(listings))
}
