package services

import (
	"time"

	"autoscout-watcher/models"
	"autoscout-watcher/utils"
)

// Detector classifies an incoming listing against previously stored state.
// The three-way split matters: NEW drives a notification, UPDATED a silent
// store write, UNCHANGED only a liveness-timestamp touch.
type Detector struct {
	logger *utils.Logger
}

// NewDetector creates a Detector with the given logger.
func NewDetector(logger *utils.Logger) *Detector {
	return &Detector{logger: logger}
}

// Classify compares incoming against previous (nil when never stored) and
// returns the change kind plus the merged record to persist. FirstSeenAt is
// immutable once set; LastSeenAt always moves forward.
func (d *Detector) Classify(incoming, previous *models.Listing, now time.Time) (models.Change, *models.Listing) {
	if previous == nil {
		merged := *incoming
		merged.FirstSeenAt = now
		merged.LastSeenAt = now
		d.logger.Debug("[detector] %s — new listing", incoming.IdentityKey)
		return models.ChangeNew, &merged
	}

	if previous.RawFingerprint != incoming.RawFingerprint {
		merged := *incoming
		merged.FirstSeenAt = previous.FirstSeenAt
		merged.LastSeenAt = now
		d.logger.Debug("[detector] %s — content changed", incoming.IdentityKey)
		return models.ChangeUpdated, &merged
	}

	merged := *previous
	merged.LastSeenAt = now
	return models.ChangeUnchanged, &merged
}
