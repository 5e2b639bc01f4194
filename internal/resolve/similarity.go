package resolve

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Tier thresholds over the composite score in [0,1].
const (
	TierExact  = 0.92
	TierHigh   = 0.75
	TierMedium = 0.55
	TierLow    = 0.35
)

// Signal weights. Secondary weights only count when both sides carry the signal.
const (
	weightName     = 0.8
	weightLocation = 0.1
	weightCategory = 0.1
)

// TierFor maps a composite score to a confidence tier. Non-decreasing in score.
func TierFor(score float64) harvest.Confidence {
	switch {
	case score >= TierExact:
		return harvest.ConfidenceExact
	case score >= TierHigh:
		return harvest.ConfidenceHigh
	case score >= TierMedium:
		return harvest.ConfidenceMedium
	case score >= TierLow:
		return harvest.ConfidenceLow
	default:
		return harvest.ConfidenceNone
	}
}

// NameSimilarity averages token overlap (Dice) and normalized edit-distance similarity.
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return 0.5*tokenDice(Tokens(na), Tokens(nb)) + 0.5*levenshtein.Similarity(na, nb, nil)
}

// Score is the composite similarity between a source item and a candidate.
func Score(item harvest.SourceItem, candidate harvest.Candidate) float64 {
	total := weightName * NameSimilarity(item.Name, candidate.DisplayName)
	weights := weightName

	if loc := candidate.Metadata["location"]; item.Location != "" && loc != "" {
		total += weightLocation * fieldSimilarity(item.Location, loc)
		weights += weightLocation
	}
	if cat := candidate.Metadata["category"]; item.Category != "" && cat != "" {
		total += weightCategory * fieldSimilarity(item.Category, cat)
		weights += weightCategory
	}
	return clamp(total / weights)
}

func fieldSimilarity(a, b string) float64 {
	ta := strings.Fields(strings.ToLower(punctuationRe.ReplaceAllString(a, " ")))
	tb := strings.Fields(strings.ToLower(punctuationRe.ReplaceAllString(b, " ")))
	return tokenDice(ta, tb)
}

func tokenDice(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(setA)+len(setB))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
