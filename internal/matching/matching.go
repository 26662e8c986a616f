// Package matching picks a worker for a pending job when an admin assigns
// it without naming one.
package matching

import (
	"context"
	"slices"
	"sort"

	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

// WorkerRepo is the minimal interface required for matching.
type WorkerRepo interface {
	ListWorkers(ctx context.Context, f repository.WorkerFilter) ([]*models.User, error)
}

type Matcher struct {
	Workers WorkerRepo
}

func NewMatcher(workers WorkerRepo) *Matcher {
	return &Matcher{Workers: workers}
}

// candidate holds a worker and the fields it is ranked by.
type candidate struct {
	worker     *models.User
	skillMatch bool
	load       float64 // current / max, 0–1
}

func buildCandidates(workers []*models.User, job *models.Job) []candidate {
	var out []candidate
	for _, w := range workers {
		if w.Availability != models.AvailabilityAvailable {
			continue
		}
		max := w.MaxConcurrentJobs
		if max <= 0 {
			max = models.DefaultConcurrentJobs
		}
		if w.CurrentJobCount >= max {
			continue
		}
		out = append(out, candidate{
			worker:     w,
			skillMatch: slices.Contains(w.Skills, job.Category),
			load:       float64(w.CurrentJobCount) / float64(max),
		})
	}
	return out
}

// rank orders candidates best first: skill match, then lightest load, then
// most completed jobs.
func rank(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.skillMatch != b.skillMatch {
			return a.skillMatch
		}
		if a.load != b.load {
			return a.load < b.load
		}
		return a.worker.Stats.CompletedJobs > b.worker.Stats.CompletedJobs
	})
}

// FindBestWorker returns the single best worker for job, or nil if nobody
// has capacity.
func (m *Matcher) FindBestWorker(ctx context.Context, job *models.Job) (*models.User, error) {
	workers, err := m.Workers.ListWorkers(ctx, repository.WorkerFilter{Availability: models.AvailabilityAvailable})
	if err != nil {
		return nil, err
	}
	cs := buildCandidates(workers, job)
	if len(cs) == 0 {
		return nil, nil
	}
	rank(cs)
	return cs[0].worker, nil
}
