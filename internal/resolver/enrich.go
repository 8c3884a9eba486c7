package resolver

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/enrich"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// Enrich resolves obs, then asks every configured provider about the
// resulting entity using its strongest identifier. Each answer is resolved
// as a new observation carrying the provider's tier. A provider failure
// rejects only that provider's part; transient failures requeue obs for a
// later replay.
func (r *Resolver) Enrich(ctx context.Context, obs model.Observation) []Outcome {
	seed := r.Resolve(ctx, obs)
	outs := []Outcome{seed}
	if seed.State != StateApplied || seed.EntityID == "" {
		return outs
	}
	if obs.ID == "" {
		obs.ID = seed.ObservationID
	}
	return append(outs, r.enrichEntity(ctx, obs, seed.EntityID, r.providers.All(), r.requeueNew)...)
}

// failureFunc handles a provider failure and reports whether the seed
// observation was kept for replay.
type failureFunc func(ctx context.Context, seed model.Observation, p enrich.Provider, err error) bool

func (r *Resolver) enrichEntity(ctx context.Context, seed model.Observation, entityID string, providers []enrich.Provider, onFailure failureFunc) []Outcome {
	if len(providers) == 0 {
		return nil
	}
	e, err := r.store.GetEntity(ctx, entityID)
	if err != nil || e == nil {
		zap.L().Warn("resolver: load entity for enrichment",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return nil
	}
	crit, ok := enrich.BestCriteria(e)
	if !ok {
		zap.L().Debug("resolver: no lookup criteria", zap.String("entity_id", entityID))
		return nil
	}

	var outs []Outcome
	for _, p := range providers {
		attrs, err := p.Lookup(ctx, crit)
		switch {
		case eris.Is(err, enrich.ErrNotFound):
			r.metrics.provider(p.Name(), "not_found")
			continue
		case err != nil:
			r.metrics.provider(p.Name(), string(resilience.ClassifyError(err)))
			o := Outcome{ObservationID: seed.ID, TenantID: seed.TenantID, Source: p.Name()}
			o = o.reject(eris.Wrapf(err, "resolver: enrich %s via %s", entityID, p.Name()))
			o.Requeued = onFailure(ctx, seed, p, err)
			r.finish(ctx, o)
			outs = append(outs, o)
			continue
		}
		r.metrics.provider(p.Name(), "found")
		answer := enrich.NewObservation(p, seed.TenantID, withCriteria(attrs, crit), r.now())
		outs = append(outs, r.Resolve(ctx, answer))
	}
	return outs
}

// requeueNew stores a fresh requeue entry for a transient provider failure.
func (r *Resolver) requeueNew(ctx context.Context, seed model.Observation, p enrich.Provider, err error) bool {
	return r.requeue(ctx, seed, p.Name(), err)
}

// requeue stores a fresh requeue entry when err is transient. An empty
// provider means resolving obs itself failed.
func (r *Resolver) requeue(ctx context.Context, obs model.Observation, provider string, err error) bool {
	if r.cfg.DryRun || !resilience.IsTransient(err) {
		return false
	}
	entry := resilience.NewRequeueEntry(obs, provider, err, r.cfg.Retry, r.now())
	if qerr := r.store.Requeue(ctx, entry); qerr != nil {
		zap.L().Error("resolver: requeue observation",
			zap.String("observation_id", obs.ID),
			zap.String("provider", provider),
			zap.Error(qerr),
		)
		return false
	}
	return true
}

// withCriteria adds the identifier a lookup was keyed on to the answer when
// the provider did not echo it, so the answer matches the entity it was
// asked about.
func withCriteria(attrs map[string]string, c enrich.Criteria) map[string]string {
	out := make(map[string]string, len(attrs)+3)
	for k, v := range attrs {
		out[k] = v
	}
	setIfEmpty := func(k model.FieldKey, v string) {
		if v != "" && out[string(k)] == "" {
			out[string(k)] = v
		}
	}
	switch c.Kind {
	case enrich.CriteriaVerifiedEmail:
		if out["email"] == "" && out[string(model.FieldWorkEmail)] == "" && out[string(model.FieldPersonalEmail)] == "" {
			setIfEmpty(model.FieldPrimaryEmail, c.Email)
		}
	case enrich.CriteriaLinkedIn:
		if out["linkedin"] == "" {
			setIfEmpty(model.FieldLinkedInURL, c.LinkedInURL)
		}
	case enrich.CriteriaNameCompany:
		if out["name"] == "" && out[string(model.FieldFullName)] == "" {
			setIfEmpty(model.FieldFirstName, c.FirstName)
			setIfEmpty(model.FieldLastName, c.LastName)
		}
		if out["company"] == "" && out["organization"] == "" {
			setIfEmpty(model.FieldCompanyRef, c.Company)
		}
	}
	return out
}

// Replay retries the due requeue entries of a tenant. Entries that succeed
// are removed; failures are rescheduled until their replay budget is spent.
func (r *Resolver) Replay(ctx context.Context, tenantID string, limit int) (*Report, error) {
	entries, err := r.store.ListRequeue(ctx, resilience.RequeueFilter{
		TenantID: tenantID,
		DueAt:    r.now(),
		Limit:    limit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: list requeue for %s", tenantID)
	}

	report := newReport(tenantID, r.now())
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		report.Add(r.replayOne(ctx, entry)...)
	}
	report.Finish(r.now())
	zap.L().Info("resolver: replay complete",
		zap.String("tenant_id", tenantID),
		zap.Int("entries", len(entries)),
		zap.Any("counts", report.Counts),
	)
	return report, nil
}

// replayOne resolves the entry's observation again. Entries without a
// provider recorded a failed resolution and end there; the others also
// repeat the provider's lookup.
func (r *Resolver) replayOne(ctx context.Context, entry resilience.RequeueEntry) []Outcome {
	var providers []enrich.Provider
	if entry.Provider != "" {
		p := r.providers.Get(entry.Provider)
		if p == nil {
			r.settle(ctx, &entry, eris.Errorf("resolver: provider %s is no longer configured", entry.Provider))
			return nil
		}
		providers = []enrich.Provider{p}
	}

	seed := r.resolveAndFinish(ctx, entry.Observation, false)
	outs := []Outcome{seed}
	if seed.State == StateRejected {
		r.settle(ctx, &entry, seed.Err)
		return outs
	}
	if seed.State != StateApplied || len(providers) == 0 {
		r.settle(ctx, &entry, nil)
		return outs
	}

	var lastErr error
	outs = append(outs, r.enrichEntity(ctx, entry.Observation, seed.EntityID, providers,
		func(_ context.Context, _ model.Observation, _ enrich.Provider, err error) bool {
			lastErr = err
			return resilience.IsTransient(err) && entry.RetryCount+1 < entry.MaxRetries
		})...)
	r.settle(ctx, &entry, lastErr)
	return outs
}

// settle removes a replayed entry on success and reschedules it otherwise.
// Permanent errors exhaust the entry so it is not picked up again.
func (r *Resolver) settle(ctx context.Context, entry *resilience.RequeueEntry, err error) {
	if err == nil {
		if derr := r.store.DeleteRequeue(ctx, entry.ID); derr != nil {
			zap.L().Error("resolver: delete requeue entry", zap.String("id", entry.ID), zap.Error(derr))
		}
		return
	}
	entry.Failed(err, r.cfg.Retry, r.now())
	if !resilience.IsTransient(err) {
		entry.MaxRetries = entry.RetryCount
	}
	if uerr := r.store.UpdateRequeue(ctx, entry); uerr != nil {
		zap.L().Error("resolver: update requeue entry", zap.String("id", entry.ID), zap.Error(uerr))
		return
	}
	if !entry.CanRetry() {
		zap.L().Warn("resolver: requeue entry exhausted",
			zap.String("id", entry.ID),
			zap.String("observation_id", entry.Observation.ID),
			zap.String("provider", entry.Provider),
			zap.Int("retries", entry.RetryCount),
			zap.Error(err),
		)
	}
}
