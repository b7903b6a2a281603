package services

import (
	"fmt"
	"sort"
	"strings"

	"autoscout-watcher/models"
	"autoscout-watcher/utils"
)

// InventoryReport summarizes the stored inventory after a cycle.
type InventoryReport struct {
	Total     int
	WithPrice int
	MinCents  int64
	MaxCents  int64
	AvgCents  int64
	ByMake    map[string]int
}

// SummaryService computes cheap digests over stored listings for the cycle
// log.
type SummaryService struct {
	logger *utils.Logger
}

// NewSummaryService creates a SummaryService.
func NewSummaryService(logger *utils.Logger) *SummaryService {
	return &SummaryService{logger: logger}
}

// Generate computes the report. Listings without a disclosed price count
// toward the total but not the price stats.
func (s *SummaryService) Generate(listings []*models.Listing) *InventoryReport {
	report := &InventoryReport{
		Total:  len(listings),
		ByMake: make(map[string]int),
	}

	var sum int64
	for _, l := range listings {
		mk := l.Make
		if mk == "" {
			mk = "unknown"
		}
		report.ByMake[mk]++

		if l.PriceCents == nil {
			continue
		}
		p := *l.PriceCents
		if report.WithPrice == 0 || p < report.MinCents {
			report.MinCents = p
		}
		if p > report.MaxCents {
			report.MaxCents = p
		}
		sum += p
		report.WithPrice++
	}

	if report.WithPrice > 0 {
		report.AvgCents = sum / int64(report.WithPrice)
	}
	return report
}

// Log prints a one-line digest of the report.
func (s *SummaryService) Log(report *InventoryReport) {
	if report.Total == 0 {
		s.logger.Info("[summary] Inventory empty")
		return
	}

	priced := "no disclosed prices"
	if report.WithPrice > 0 {
		priced = fmt.Sprintf("price €%.0f–€%.0f (avg €%.0f over %d)",
			float64(report.MinCents)/100, float64(report.MaxCents)/100,
			float64(report.AvgCents)/100, report.WithPrice)
	}

	s.logger.Info("[summary] %d listings | %s | top makes: %s",
		report.Total, priced, topMakes(report.ByMake, 3))
}

func topMakes(byMake map[string]int, n int) string {
	type kv struct {
		make  string
		count int
	}
	ranked := make([]kv, 0, len(byMake))
	for m, c := range byMake {
		ranked = append(ranked, kv{m, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].make < ranked[j].make
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	parts := make([]string, len(ranked))
	for i, r := range ranked {
		parts[i] = fmt.Sprintf("%s (%d)", r.make, r.count)
	}
	return strings.Join(parts, ", ")
}
