// Package classify scores person records against a set of target roles.
package classify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// Classifier runs rule matching and, in assisted mode, an external capability.
type Classifier struct {
	external harvest.ExternalClassifier
	clock    harvest.Clock
	logger   *zap.Logger
}

// New builds a classifier. external may be nil, in which case assisted mode behaves like rule mode.
func New(external harvest.ExternalClassifier, clock harvest.Clock, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{external: external, clock: clock, logger: logger}
}

// Classify scores a single record.
func (c *Classifier) Classify(
	ctx context.Context,
	record harvest.PersonRecord,
	roles []string,
	mode harvest.ClassificationMode,
) harvest.ClassificationResult {
	return c.ClassifyBatch(ctx, []harvest.PersonRecord{record}, roles, mode, "")[0]
}

// ClassifyBatch scores records in order. It never fails: an unavailable external capability
// degrades to rule matching for the records it was asked about.
func (c *Classifier) ClassifyBatch(
	ctx context.Context,
	records []harvest.PersonRecord,
	roles []string,
	mode harvest.ClassificationMode,
	prompt string,
) []harvest.ClassificationResult {
	verdicts := make([]harvest.Verdict, len(records))
	modes := make([]harvest.ClassificationMode, len(records))
	var pending []int
	for i, r := range records {
		verdicts[i] = Rule(r.Title, roles)
		modes[i] = harvest.ModeRule
		if mode == harvest.ModeAssisted && verdicts[i].Confidence < harvest.ConfidenceHigh && r.Title != "" {
			pending = append(pending, i)
		}
	}

	if len(pending) > 0 && c.external != nil {
		c.assist(ctx, records, roles, prompt, pending, verdicts, modes)
	}

	now := c.clock.Now()
	out := make([]harvest.ClassificationResult, len(records))
	for i, r := range records {
		v := verdicts[i]
		out[i] = harvest.ClassificationResult{
			RecordID:    r.ID,
			JobID:       r.JobID,
			RunID:       r.RunID,
			Matched:     v.Matched,
			Confidence:  v.Confidence,
			MatchedRole: v.MatchedRole,
			Score:       v.Confidence.Score(),
			Mode:        modes[i],
			CreatedAt:   now,
		}
		metrics.ObserveClassification(string(modes[i]), v.Matched)
	}
	return out
}

func (c *Classifier) assist(
	ctx context.Context,
	records []harvest.PersonRecord,
	roles []string,
	prompt string,
	pending []int,
	verdicts []harvest.Verdict,
	modes []harvest.ClassificationMode,
) {
	titles := make([]string, len(pending))
	for i, idx := range pending {
		titles[i] = records[idx].Title
	}
	answers, err := c.external.ClassifyBatch(ctx, titles, roles, prompt)
	if err == nil && len(answers) != len(titles) {
		err = harvest.ErrClassificationUnavailable
		c.logger.Warn("external classifier returned wrong verdict count",
			zap.Int("want", len(titles)),
			zap.Int("got", len(answers)),
		)
	}
	if err != nil {
		c.logger.Warn("external classifier unavailable, using rule matching",
			zap.Int("titles", len(titles)),
			zap.Error(err),
		)
		return
	}
	for i, idx := range pending {
		verdicts[idx] = answers[i]
		modes[idx] = harvest.ModeAssisted
	}
}
