// Package notion mirrors the review queue into a Notion database.
package notion

import (
	"context"
	"errors"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/entity-resolver/internal/resilience"
)

// Database is the slice of the Notion API the review sink needs, bound to
// one database.
type Database interface {
	// FindPage returns the first page whose rich text property equals
	// value, or "" when there is none.
	FindPage(ctx context.Context, property, value string) (notionapi.PageID, error)
	CreatePage(ctx context.Context, props notionapi.Properties) error
	UpdatePage(ctx context.Context, id notionapi.PageID, props notionapi.Properties) error
}

// Option configures a Database opened with Open.
type Option func(*database)

// WithRateLimit overrides the 3 req/s default. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(d *database) {
		d.limiter = nil
		if rps > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetry sets the retry policy applied to every call.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(d *database) { d.retry = cfg }
}

// WithHTTPClient sets the transport used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *database) { d.httpClient = hc }
}

type database struct {
	api        *notionapi.Client
	id         notionapi.DatabaseID
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	httpClient *http.Client
}

// Open returns the review database dbID for an integration token.
func Open(token, dbID string, opts ...Option) Database {
	d := &database{
		id:      notionapi.DatabaseID(dbID),
		limiter: rate.NewLimiter(3, 1),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.retry.OnRetry = resilience.RetryLogger("notion", "review sync")

	// A single 429 surfaces as RateLimitedError; retries happen in call.
	apiOpts := []notionapi.ClientOption{notionapi.WithRetry(1)}
	if d.httpClient != nil {
		apiOpts = append(apiOpts, notionapi.WithHTTPClient(d.httpClient))
	}
	d.api = notionapi.NewClient(notionapi.Token(token), apiOpts...)
	return d
}

func (d *database) FindPage(ctx context.Context, property, value string) (notionapi.PageID, error) {
	resp, err := call(ctx, d, func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
		return d.api.Database.Query(ctx, d.id, &notionapi.DatabaseQueryRequest{
			Filter: notionapi.PropertyFilter{
				Property: property,
				RichText: &notionapi.TextFilterCondition{Equals: value},
			},
			PageSize: 1,
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: find %s = %s", property, value)
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return notionapi.PageID(resp.Results[0].ID), nil
}

func (d *database) CreatePage(ctx context.Context, props notionapi.Properties) error {
	_, err := call(ctx, d, func(ctx context.Context) (*notionapi.Page, error) {
		return d.api.Page.Create(ctx, &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: d.id,
			},
			Properties: props,
		})
	})
	return eris.Wrapf(err, "notion: create page in %s", d.id)
}

func (d *database) UpdatePage(ctx context.Context, id notionapi.PageID, props notionapi.Properties) error {
	_, err := call(ctx, d, func(ctx context.Context) (*notionapi.Page, error) {
		return d.api.Page.Update(ctx, id, &notionapi.PageUpdateRequest{Properties: props})
	})
	return eris.Wrapf(err, "notion: update page %s", id)
}

// call throttles fn and retries it while Classify reports a transient error.
func call[T any](ctx context.Context, d *database, fn func(context.Context) (T, error)) (T, error) {
	return resilience.DoVal(ctx, d.retry, func(ctx context.Context) (T, error) {
		var zero T
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return zero, eris.Wrap(err, "notion: rate limit")
			}
		}
		v, err := fn(ctx)
		if err != nil {
			return zero, Classify(err)
		}
		return v, nil
	})
}

// Classify marks Notion API errors transient or permanent by status. Other
// errors pass through for the generic network heuristics.
func Classify(err error) error {
	var limited *notionapi.RateLimitedError
	if errors.As(err, &limited) {
		return resilience.NewTransientError(err, http.StatusTooManyRequests)
	}
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) && apiErr.Status != 0 {
		return resilience.FromStatus(err, apiErr.Status)
	}
	return err
}
