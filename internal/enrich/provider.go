// Package enrich queries external enrichment providers about a person and
// turns their answers into observations.
package enrich

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/normalize"
)

// ErrNotFound is returned by a provider that has no record for the criteria.
var ErrNotFound = eris.New("enrich: not found")

// CriteriaKind is the identifier a lookup is keyed on.
type CriteriaKind string

const (
	CriteriaVerifiedEmail CriteriaKind = "verified_email"
	CriteriaLinkedIn      CriteriaKind = "linkedin"
	CriteriaNameCompany   CriteriaKind = "name_company"
)

// Criteria is one lookup key.
type Criteria struct {
	Kind        CriteriaKind `json:"kind"`
	Email       string       `json:"email,omitempty"`
	LinkedInURL string       `json:"linkedin_url,omitempty"`
	FirstName   string       `json:"first_name,omitempty"`
	LastName    string       `json:"last_name,omitempty"`
	Company     string       `json:"company,omitempty"`
}

// Provider is an external enrichment collaborator. Lookup returns a raw
// attribute bag, ErrNotFound, or an error classified by the resilience
// package.
type Provider interface {
	Name() string
	Tier() model.TrustTier
	Lookup(ctx context.Context, c Criteria) (map[string]string, error)
}

// BestCriteria picks the strongest lookup key known for an entity: a
// verified email, then a LinkedIn URL, then name plus company.
func BestCriteria(e *model.Entity) (Criteria, bool) {
	if emails := e.EmailValues(true); len(emails) > 0 {
		return Criteria{Kind: CriteriaVerifiedEmail, Email: emails[0]}, true
	}
	if li := e.Value(model.FieldLinkedInURL); li != "" {
		return Criteria{Kind: CriteriaLinkedIn, LinkedInURL: li}, true
	}

	first, last := e.Value(model.FieldFirstName), e.Value(model.FieldLastName)
	if first == "" || last == "" {
		f, l := normalize.SplitName(e.Value(model.FieldFullName))
		first, last = cmpOr(first, f), cmpOr(last, l)
	}
	company := e.Value(model.FieldCompanyRef)
	if company == "" {
		company = e.Value(model.FieldCompanyDomain)
	}
	if first != "" && last != "" && company != "" {
		return Criteria{Kind: CriteriaNameCompany, FirstName: first, LastName: last, Company: company}, true
	}
	return Criteria{}, false
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Registry holds the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns the registered providers in name order.
func (r *Registry) All() []Provider {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		out = append(out, r.providers[n])
	}
	return out
}

// NewObservation wraps a provider answer as an observation carrying the
// provider's configured tier.
func NewObservation(p Provider, tenantID string, attrs map[string]string, now time.Time) model.Observation {
	return model.Observation{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Source:      p.Name(),
		Tier:        p.Tier(),
		Raw:         maps.Clone(attrs),
		RetrievedAt: now,
	}
}
