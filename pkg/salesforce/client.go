// Package salesforce provides rate-limited, JWT-authenticated SOQL access to
// Salesforce, used as a CRM lookup provider.
package salesforce

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the Salesforce API surface the resolver uses.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
}

// Config holds JWT bearer credentials.
type Config struct {
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
	Username string `yaml:"username" mapstructure:"username"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
}

// ClientOption configures the Salesforce client.
type ClientOption func(*sfClient)

// WithRateLimit sets a per-second rate limit for SF API calls.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) ClientOption {
	return func(c *sfClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// sfClient wraps go-salesforce. The library takes no context, so ctx only
// bounds the rate limiter wait.
type sfClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient wraps an initialised go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &sfClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect authenticates with the JWT bearer flow and returns a Client.
func Connect(cfg Config, opts ...ClientOption) (Client, error) {
	if cfg.ClientID == "" {
		return nil, eris.New("sf: client id is required")
	}
	pem, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "sf: read jwt private key")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.LoginURL,
		Username:       cfg.Username,
		ConsumerKey:    cfg.ClientID,
		ConsumerRSAPem: string(pem),
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: init")
	}
	return NewClient(sf, opts...), nil
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "sf: rate limit")
		}
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	return nil
}
