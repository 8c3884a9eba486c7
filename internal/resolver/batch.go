package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// ReviewEntry is a flagged observation with its competing candidates.
type ReviewEntry struct {
	ObservationID string                 `json:"observation_id" yaml:"observation_id"`
	ReviewID      string                 `json:"review_id,omitempty" yaml:"review_id,omitempty"`
	Candidates    []model.MatchCandidate `json:"candidates" yaml:"candidates"`
}

// Failure is a rejected or unusable observation.
type Failure struct {
	ObservationID string               `json:"observation_id" yaml:"observation_id"`
	Source        string               `json:"source,omitempty" yaml:"source,omitempty"`
	State         State                `json:"state" yaml:"state"`
	Kind          resilience.ErrorKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Requeued      bool                 `json:"requeued,omitempty" yaml:"requeued,omitempty"`
	Error         string               `json:"error" yaml:"error"`
}

// Report summarizes a batch run. Every flagged observation is listed so
// none is silently dropped.
type Report struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	TenantID   string        `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Counts     map[State]int `json:"counts" yaml:"counts"`
	Created    int           `json:"created" yaml:"created"`
	Updated    int           `json:"updated" yaml:"updated"`
	Unchanged  int           `json:"unchanged" yaml:"unchanged"`
	Malformed  int           `json:"malformed" yaml:"malformed"`
	Requeued   int           `json:"requeued" yaml:"requeued"`
	// Skipped counts observations never started because the run was
	// cancelled.
	Skipped  int           `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Review   []ReviewEntry `json:"review" yaml:"review"`
	Failures []Failure     `json:"failures" yaml:"failures"`

	mu sync.Mutex
}

func newReport(tenantID string, now time.Time) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		TenantID:  tenantID,
		StartedAt: now,
		Counts:    make(map[State]int),
	}
}

// Add tallies outcomes. It is safe for concurrent use.
func (rep *Report) Add(outs ...Outcome) {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	for _, o := range outs {
		rep.Counts[o.State]++
		if o.Requeued {
			rep.Requeued++
		}
		switch o.State {
		case StateApplied, StateMergeDecided:
			switch {
			case o.Action == ActionCreate:
				rep.Created++
			case o.AppliedCount() > 0:
				rep.Updated++
			default:
				rep.Unchanged++
			}
		case StateFlaggedForReview:
			rep.Review = append(rep.Review, ReviewEntry{
				ObservationID: o.ObservationID,
				ReviewID:      o.ReviewID,
				Candidates:    o.Candidates,
			})
		case StateNormalized:
			rep.Malformed++
			rep.Failures = append(rep.Failures, failureOf(o))
		case StateRejected:
			rep.Failures = append(rep.Failures, failureOf(o))
		}
	}
}

// Finish stamps the end time.
func (rep *Report) Finish(now time.Time) {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	rep.FinishedAt = now
}

// Total is the number of outcomes tallied.
func (rep *Report) Total() int {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	n := 0
	for _, c := range rep.Counts {
		n += c
	}
	return n
}

func failureOf(o Outcome) Failure {
	f := Failure{
		ObservationID: o.ObservationID,
		Source:        o.Source,
		State:         o.State,
		Kind:          o.ErrorKind(),
		Requeued:      o.Requeued,
	}
	if o.Err != nil {
		f.Error = o.Err.Error()
	}
	return f
}

// BatchOptions selects what a batch run does per observation.
type BatchOptions struct {
	TenantID string
	// Enrich queries providers after resolving each observation.
	Enrich bool
}

// RunBatch resolves observations with at most Config.Workers running at
// once. Each worker takes one observation end to end. Cancelling ctx stops
// submitting new observations; the ones in flight finish.
func (r *Resolver) RunBatch(ctx context.Context, observations []model.Observation, opts BatchOptions) *Report {
	report := newReport(opts.TenantID, r.now())
	zap.L().Info("resolver: batch starting",
		zap.String("run_id", report.RunID),
		zap.Int("observations", len(observations)),
		zap.Int("workers", r.cfg.Workers),
		zap.Bool("enrich", opts.Enrich),
		zap.Bool("dry_run", r.cfg.DryRun),
	)

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	// In-flight work must not be cut short by the cancellation that stops
	// submission.
	work := context.WithoutCancel(ctx)

	for i, obs := range observations {
		if ctx.Err() != nil {
			report.Skipped = len(observations) - i
			break
		}
		g.Go(func() error {
			if opts.Enrich {
				report.Add(r.Enrich(work, obs)...)
			} else {
				report.Add(r.Resolve(work, obs))
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Finish(r.now())
	zap.L().Info("resolver: batch complete",
		zap.String("run_id", report.RunID),
		zap.Int("applied", report.Counts[StateApplied]),
		zap.Int("flagged_for_review", report.Counts[StateFlaggedForReview]),
		zap.Int("rejected", report.Counts[StateRejected]),
		zap.Int("malformed", report.Malformed),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("requeued", report.Requeued),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}
