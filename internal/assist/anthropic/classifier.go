// Package anthropic implements the external role classification capability on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-5-20250929"

const systemPrompt = `You match employee job titles against the target roles a salesperson is looking for.
Consider exact matches, semantic equivalents (e.g. "Practice Manager" for "Clinic Administrator"),
hierarchical matches (e.g. "Director of Operations" for "Operations Manager") and industry-specific titles.

Respond with JSON only: an array with one object per numbered title, in the same order:
[{"index": 0, "is_match": true, "confidence": "exact|high|medium|low|none", "matched_role": "target role or null"}]`

// Config configures the classifier.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string
}

// messageClient is the slice of the SDK used here.
type messageClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Classifier implements harvest.ExternalClassifier.
type Classifier struct {
	messages  messageClient
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// New builds a classifier backed by the SDK.
func New(cfg Config, logger *zap.Logger) (*Classifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.Mark(errors.New("anthropic api key is required"), harvest.ErrConfigInvalid)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return newWithClient(&client.Messages, cfg, logger), nil
}

func newWithClient(messages messageClient, cfg Config, logger *zap.Logger) *Classifier {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{messages: messages, model: cfg.Model, maxTokens: cfg.MaxTokens, logger: logger}
}

type verdictJSON struct {
	Index       int     `json:"index"`
	IsMatch     bool    `json:"is_match"`
	Confidence  string  `json:"confidence"`
	MatchedRole *string `json:"matched_role"`
}

// ClassifyBatch asks the model for one verdict per title. Temperature is pinned to zero.
func (c *Classifier) ClassifyBatch(ctx context.Context, titles, roles []string, prompt string) ([]harvest.Verdict, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	msg, err := c.messages.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   c.maxTokens,
		System:      []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(userMessage(titles, roles, prompt)))},
		Temperature: sdk.Float(0),
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "anthropic: create message"), harvest.ErrClassificationUnavailable)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	c.logger.Debug("classification reply",
		zap.Int("titles", len(titles)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return parseVerdicts(text.String(), len(titles), roles)
}

func userMessage(titles, roles []string, prompt string) string {
	var b strings.Builder
	b.WriteString("Target roles:\n")
	for _, r := range roles {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if p := strings.TrimSpace(prompt); p != "" {
		fmt.Fprintf(&b, "\nAdditional context: %s\n", p)
	}
	b.WriteString("\nTitles:\n")
	for i, t := range titles {
		fmt.Fprintf(&b, "%d. %s\n", i, t)
	}
	return b.String()
}

// parseVerdicts tolerates prose or code fences around the JSON array.
func parseVerdicts(text string, want int, roles []string) ([]harvest.Verdict, error) {
	start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, errors.Mark(errors.Newf("no JSON array in reply: %.80q", text), harvest.ErrClassificationUnavailable)
	}
	var raw []verdictJSON
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode verdicts"), harvest.ErrClassificationUnavailable)
	}

	out := make([]harvest.Verdict, want)
	filled := make([]bool, want)
	for _, v := range raw {
		if v.Index < 0 || v.Index >= want || filled[v.Index] {
			continue
		}
		conf, err := harvest.ParseConfidence(normalizeConfidence(v.Confidence))
		if err != nil {
			conf = harvest.ConfidenceNone
		}
		verdict := harvest.Verdict{Matched: v.IsMatch, Confidence: conf}
		if v.MatchedRole != nil && v.IsMatch {
			verdict.MatchedRole = canonicalRole(*v.MatchedRole, roles)
		}
		out[v.Index] = verdict
		filled[v.Index] = true
	}
	for i, ok := range filled {
		if !ok {
			return nil, errors.Mark(errors.Newf("missing verdict for title %d", i), harvest.ErrClassificationUnavailable)
		}
	}
	return out, nil
}

func normalizeConfidence(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "no_match" {
		return "none"
	}
	return s
}

// canonicalRole maps the model's role text back to the caller's spelling when it names one.
func canonicalRole(role string, roles []string) string {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(role), r) {
			return r
		}
	}
	return strings.TrimSpace(role)
}
