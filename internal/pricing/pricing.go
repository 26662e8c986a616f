// Package pricing holds the fixed price list for jobs: what a client pays in
// credits and what the assigned worker earns, by category and priority.
package pricing

import (
	"time"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
)

// Cost is the credit price of a job. Total = Base + PriorityFee.
type Cost struct {
	Base        int64 `json:"base"`
	PriorityFee int64 `json:"priorityFee"`
	Total       int64 `json:"total"`
}

// Quote is the full price of a job at submission time.
type Quote struct {
	Cost                Cost          `json:"cost"`
	WorkerEarningsCents int64         `json:"workerEarningsCents"`
	Turnaround          time.Duration `json:"turnaround"`
}

type rate struct {
	credits       int64
	earningsCents int64
}

var categoryRates = map[string]rate{
	models.CategoryDesign:      {credits: 40, earningsCents: 2400},
	models.CategoryWriting:     {credits: 30, earningsCents: 1800},
	models.CategoryResearch:    {credits: 35, earningsCents: 2100},
	models.CategoryDataEntry:   {credits: 20, earningsCents: 1200},
	models.CategorySocialMedia: {credits: 25, earningsCents: 1500},
	models.CategoryVideo:       {credits: 60, earningsCents: 3600},
	models.CategoryOther:       {credits: 30, earningsCents: 1800},
}

type tier struct {
	percent    int64
	turnaround time.Duration
}

var priorityTiers = map[string]tier{
	models.PriorityStandard: {percent: 100, turnaround: 48 * time.Hour},
	models.PriorityPriority: {percent: 150, turnaround: 24 * time.Hour},
	models.PriorityRush:     {percent: 200, turnaround: 12 * time.Hour},
}

// Categories lists the accepted job categories.
func Categories() []string {
	return []string{
		models.CategoryDesign, models.CategoryWriting, models.CategoryResearch, models.CategoryDataEntry,
		models.CategorySocialMedia, models.CategoryVideo, models.CategoryOther,
	}
}

// Priorities lists the accepted priorities, slowest first.
func Priorities() []string {
	return []string{models.PriorityStandard, models.PriorityPriority, models.PriorityRush}
}

// For returns the quote for a job of the given category and priority. An
// empty priority means standard.
func For(category, priority string) (Quote, error) {
	r, ok := categoryRates[category]
	if !ok {
		return Quote{}, apperr.Invalid("category", "is not a known category")
	}
	if priority == "" {
		priority = models.PriorityStandard
	}
	t, ok := priorityTiers[priority]
	if !ok {
		return Quote{}, apperr.Invalid("priority", "must be standard, priority or rush")
	}
	total := scale(r.credits, t.percent)
	return Quote{
		Cost:                Cost{Base: r.credits, PriorityFee: total - r.credits, Total: total},
		WorkerEarningsCents: scale(r.earningsCents, t.percent),
		Turnaround:          t.turnaround,
	}, nil
}

// scale applies a percentage, rounding up to whole units.
func scale(v, percent int64) int64 {
	return (v*percent + 99) / 100
}
