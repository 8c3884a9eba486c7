package enrich

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/pkg/salesforce"
)

// SalesforceProvider looks people up among a Salesforce org's Contacts.
type SalesforceProvider struct {
	name   string
	tier   model.TrustTier
	client salesforce.Client
}

// NewSalesforceProvider creates a SalesforceProvider.
func NewSalesforceProvider(name string, tier model.TrustTier, client salesforce.Client) *SalesforceProvider {
	return &SalesforceProvider{name: name, tier: tier, client: client}
}

func (p *SalesforceProvider) Name() string { return p.name }

func (p *SalesforceProvider) Tier() model.TrustTier { return p.tier }

func (p *SalesforceProvider) Lookup(ctx context.Context, c Criteria) (map[string]string, error) {
	var (
		contact *salesforce.Contact
		err     error
	)
	switch c.Kind {
	case CriteriaVerifiedEmail:
		contact, err = salesforce.FindContactByEmail(ctx, p.client, c.Email)
	case CriteriaLinkedIn:
		contact, err = salesforce.FindContactByLinkedIn(ctx, p.client, c.LinkedInURL)
	case CriteriaNameCompany:
		contact, err = salesforce.FindContactByName(ctx, p.client, c.FirstName, c.LastName, c.Company)
	default:
		return nil, resilience.NewPermanentError(eris.Errorf("enrich: unsupported criteria %q", c.Kind), 0)
	}
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "enrich: %s lookup", p.name), 0)
		}
		return nil, eris.Wrapf(err, "enrich: %s lookup", p.name)
	}
	if contact == nil {
		return nil, ErrNotFound
	}
	return contactAttributes(contact), nil
}

func contactAttributes(c *salesforce.Contact) map[string]string {
	attrs := map[string]string{
		"first_name":   c.FirstName,
		"last_name":    c.LastName,
		"email":        c.Email,
		"phone":        c.Phone,
		"mobile_phone": c.MobilePhone,
		"title":        c.Title,
		"linkedin_url": c.LinkedInURL,
		"company":      c.AccountName,
		"website":      c.Website,
	}
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	return attrs
}
