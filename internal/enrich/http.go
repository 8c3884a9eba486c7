package enrich

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/pkg/enrichapi"
)

// HTTPProvider adapts a JSON lookup service to Provider.
type HTTPProvider struct {
	name   string
	tier   model.TrustTier
	client enrichapi.Client
}

// NewHTTPProvider creates an HTTPProvider. The trust tier comes from
// configuration, never from the response.
func NewHTTPProvider(name string, tier model.TrustTier, client enrichapi.Client) *HTTPProvider {
	return &HTTPProvider{name: name, tier: tier, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Tier() model.TrustTier { return p.tier }

func (p *HTTPProvider) Lookup(ctx context.Context, c Criteria) (map[string]string, error) {
	resp, err := p.client.Lookup(ctx, enrichapi.LookupRequest{
		Email:       c.Email,
		LinkedInURL: c.LinkedInURL,
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Company:     c.Company,
	})
	if err != nil {
		return nil, classify(p.name, err)
	}
	return resp.Person, nil
}

// classify maps client errors onto the enrich and resilience taxonomies.
func classify(provider string, err error) error {
	if errors.Is(err, enrichapi.ErrNotFound) {
		return ErrNotFound
	}
	var se *enrichapi.StatusError
	if errors.As(err, &se) {
		return resilience.FromStatus(eris.Wrapf(err, "enrich: %s lookup", provider), se.StatusCode)
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrapf(err, "enrich: %s lookup", provider), 0)
	}
	return eris.Wrapf(err, "enrich: %s lookup", provider)
}
