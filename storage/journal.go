package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"autoscout-watcher/models"
)

// ChangeJournal appends NEW/UPDATED events to a CSV file, giving a cheap
// price-history audit trail next to the keyed store. It is safe for
// concurrent use.
type ChangeJournal struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewChangeJournal opens (or creates) the journal file at the given path,
// writing the header row only when the file is new. Intermediate
// directories are created automatically.
func NewChangeJournal(path string) (*ChangeJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("journal: create output dir: %w", err)
	}

	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write([]string{
			"cycle_id", "identity_key", "change", "make", "model", "price_cents", "recorded_at",
		}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: write header: %w", err)
		}
		w.Flush()
	}

	return &ChangeJournal{file: f, writer: w}, nil
}

// Record appends one classified change. UNCHANGED listings are not journaled.
func (j *ChangeJournal) Record(cycleID string, l *models.Listing, change models.Change) error {
	if change == models.ChangeUnchanged {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	price := ""
	if l.PriceCents != nil {
		price = strconv.FormatInt(*l.PriceCents, 10)
	}
	row := []string{
		cycleID,
		l.IdentityKey,
		change.String(),
		l.Make,
		l.Model,
		price,
		time.Now().Format(time.RFC3339),
	}
	if err := j.writer.Write(row); err != nil {
		return fmt.Errorf("journal: write row: %w", err)
	}

	j.writer.Flush()
	return j.writer.Error()
}

// Close flushes and closes the underlying file.
func (j *ChangeJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writer.Flush()
	return j.file.Close()
}
