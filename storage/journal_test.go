package storage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"autoscout-watcher/models"
)

func TestJournalRecordsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.csv")

	j, err := NewChangeJournal(path)
	if err != nil {
		t.Fatalf("NewChangeJournal: %v", err)
	}

	price := int64(1500000)
	listing := &models.Listing{IdentityKey: "A1", Make: "VW", Model: "Golf", PriceCents: &price}

	if err := j.Record("cycle-1", listing, models.ChangeNew); err != nil {
		t.Fatal(err)
	}
	if err := j.Record("cycle-2", listing, models.ChangeUnchanged); err != nil {
		t.Fatal(err)
	}
	if err := j.Record("cycle-2", listing, models.ChangeUpdated); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	// header + NEW + UPDATED; UNCHANGED is never journaled
	if len(rows) != 3 {
		t.Fatalf("rows: got %d, want 3", len(rows))
	}
	if rows[1][2] != "new" || rows[2][2] != "updated" {
		t.Errorf("change column: got %q, %q", rows[1][2], rows[2][2])
	}
	if rows[1][1] != "A1" || rows[1][5] != "1500000" {
		t.Errorf("row content: %v", rows[1])
	}
}

func TestJournalAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.csv")
	listing := &models.Listing{IdentityKey: "A1"}

	j, err := NewChangeJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record("c1", listing, models.ChangeNew); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = NewChangeJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record("c2", listing, models.ChangeUpdated); err != nil {
		t.Fatal(err)
	}
	j.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	// one header only, two data rows
	if len(rows) != 3 {
		t.Fatalf("rows after reopen: got %d, want 3", len(rows))
	}
	if rows[0][0] != "cycle_id" {
		t.Errorf("missing header: %v", rows[0])
	}
}
