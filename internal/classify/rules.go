package classify

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

// abbreviations expand common title shorthand so "Sr. VP, Eng" compares with "Senior Vice President Engineering".
var abbreviations = map[string]string{
	"sr":    "senior",
	"snr":   "senior",
	"jr":    "junior",
	"vp":    "vice president",
	"svp":   "senior vice president",
	"evp":   "executive vice president",
	"avp":   "assistant vice president",
	"ceo":   "chief executive officer",
	"cfo":   "chief financial officer",
	"coo":   "chief operating officer",
	"cto":   "chief technology officer",
	"cmo":   "chief marketing officer",
	"cio":   "chief information officer",
	"mgr":   "manager",
	"mngr":  "manager",
	"dir":   "director",
	"eng":   "engineering",
	"engr":  "engineer",
	"hr":    "human resources",
	"ops":   "operations",
	"admin": "administrator",
	"asst":  "assistant",
}

var filler = map[string]struct{}{
	"of": {}, "the": {}, "and": {}, "in": {}, "at": {}, "for": {}, "a": {}, "an": {}, "to": {},
}

// NormalizeTitle lowercases, strips punctuation and expands abbreviations.
func NormalizeTitle(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "&", " and ")
	words := strings.Fields(nonWordRe.ReplaceAllString(s, " "))
	for i, w := range words {
		if full, ok := abbreviations[w]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}

// Rule scores title against roles. The strongest role wins; ties keep the earlier role.
func Rule(title string, roles []string) harvest.Verdict {
	t := NormalizeTitle(title)
	if t == "" {
		return harvest.Verdict{Confidence: harvest.ConfidenceNone}
	}
	best := harvest.Verdict{Confidence: harvest.ConfidenceNone}
	for _, role := range roles {
		conf := compare(t, NormalizeTitle(role))
		if conf > best.Confidence {
			best = harvest.Verdict{Confidence: conf, MatchedRole: role}
		}
		if conf == harvest.ConfidenceExact {
			break
		}
	}
	best.Matched = best.Confidence >= harvest.ConfidenceMedium
	if best.Confidence == harvest.ConfidenceNone {
		best.MatchedRole = ""
	}
	return best
}

func compare(title, role string) harvest.Confidence {
	if role == "" {
		return harvest.ConfidenceNone
	}
	if title == role {
		return harvest.ConfidenceExact
	}
	if containsPhrase(title, role) || containsPhrase(role, title) {
		return harvest.ConfidenceHigh
	}
	switch sharedMeaningful(title, role) {
	case 0:
		return harvest.ConfidenceNone
	case 1:
		return harvest.ConfidenceLow
	default:
		return harvest.ConfidenceMedium
	}
}

// containsPhrase matches whole words only.
func containsPhrase(haystack, needle string) bool {
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

func sharedMeaningful(a, b string) int {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(a) {
		if _, skip := filler[w]; !skip {
			set[w] = struct{}{}
		}
	}
	shared := 0
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(b) {
		if _, ok := set[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		shared++
	}
	return shared
}
