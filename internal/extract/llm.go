package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/pkg/anthropic"
)

const llmSystemPrompt = `You extract contact details about one person from free text such as an email signature or meeting notes.
Return only a JSON object. Use these keys when the text states the value:
- primary_email, work_email, personal_email
- phone, mobile_phone (as written)
- linkedin_url
- full_name, first_name, last_name
- title
- company_ref (employer name as written)
- company_domain (employer website)
Omit keys whose value is not stated. Never guess or complete partial values.`

// LLMExtractor asks a Claude model to read the text. It catches layouts the
// heuristic misses, at the cost of an API call per block.
type LLMExtractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
	onUsage   func(model string, u anthropic.TokenUsage)
}

// NewLLMExtractor builds an extractor on client using model.
func NewLLMExtractor(client anthropic.Client, model string, retry resilience.RetryConfig) *LLMExtractor {
	return &LLMExtractor{client: client, model: model, maxTokens: 512, retry: retry}
}

// OnUsage registers fn to receive the token usage of every successful call.
func (x *LLMExtractor) OnUsage(fn func(model string, u anthropic.TokenUsage)) {
	x.onUsage = fn
}

// Name implements Extractor.
func (*LLMExtractor) Name() string { return "llm" }

// Extract implements Extractor. Keys outside the known field set and
// non-string values are dropped.
func (x *LLMExtractor) Extract(ctx context.Context, text string) (map[string]string, error) {
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:     x.model,
		MaxTokens: x.maxTokens,
		System: []anthropic.SystemBlock{
			{Text: llmSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages:    []anthropic.Message{{Role: "user", Content: text}},
		Temperature: &temp,
	}

	cfg := x.retry
	cfg.OnRetry = resilience.RetryLogger("anthropic", "extract")
	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := x.client.CreateMessage(ctx, req)
		if err != nil {
			if code := anthropic.StatusCode(err); code != 0 {
				return nil, resilience.FromStatus(err, code)
			}
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: llm request")
	}
	resp.Usage.Log(x.model, "extract")
	if x.onUsage != nil {
		x.onUsage(x.model, resp.Usage)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &parsed); err != nil {
		return nil, eris.Wrap(resilience.NewPermanentError(err, 0), "extract: parse llm response")
	}

	out := make(map[string]string, len(parsed))
	for k, v := range parsed {
		s, ok := v.(string)
		if !ok || !model.FieldKey(k).Known() {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out[k] = s
		}
	}
	return out, nil
}

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
