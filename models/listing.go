package models

import (
	"net/http"
	"time"
)

// RawRecord is one undecoded listing object exactly as the upstream endpoint
// returned it. Only the normalizer looks inside; everything upstream of it
// treats the record as opaque.
type RawRecord map[string]any

// Transmission is the canonical gearbox classification.
type Transmission string

const (
	TransmissionManual    Transmission = "manual"
	TransmissionAutomatic Transmission = "automatic"
	TransmissionUnknown   Transmission = "unknown"
)

// Change is the result of comparing an incoming listing against stored state.
type Change int

const (
	ChangeNew Change = iota
	ChangeUpdated
	ChangeUnchanged
)

func (c Change) String() string {
	switch c {
	case ChangeNew:
		return "new"
	case ChangeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Listing is one normalized vehicle offer, keyed by the upstream listing id.
type Listing struct {
	IdentityKey string

	Make             string
	Model            string
	PriceCents       *int64 // nil when the seller discloses no price
	PriceText        string // upstream's own formatting, kept for notifications
	Transmission     Transmission
	MileageKm        *int
	RegistrationYear *int
	Features         []string
	URL              string
	ImageURL         string

	FirstSeenAt time.Time
	LastSeenAt  time.Time

	// RawFingerprint is an order-independent hash of the raw record. Two
	// records that differ only in JSON key order share a fingerprint.
	RawFingerprint string
}

// Title returns a human-readable make/model line, degrading to "Unknown"
// when the upstream omitted either field.
func (l *Listing) Title() string {
	mk, md := l.Make, l.Model
	if mk == "" {
		mk = "Unknown make"
	}
	if md == "" {
		md = "Unknown model"
	}
	return mk + " " + md
}

// EndpointTemplate is a resolved request shape for the catalog's data
// endpoint. It lives only in memory, cached by the orchestrator until a
// configured number of consecutive cycle failures invalidates it.
type EndpointTemplate struct {
	Method    string
	URL       string
	Header    http.Header
	PageParam string
}

// CycleResult aggregates one scrape cycle. It is logged and discarded.
type CycleResult struct {
	CycleID   string
	Pages     int
	Fetched   int
	New       int
	Updated   int
	Unchanged int
	Skipped   int
	Errors    int
	Pruned    int64
	Duration  time.Duration
}
