package resolve

import (
	"regexp"
	"strings"
)

// legalSuffixes lists common legal entity suffixes stripped before matching.
var legalSuffixes = []string{
	"llc", "l l c",
	"inc", "incorporated",
	"corp", "corporation",
	"ltd", "limited",
	"lp", "llp", "pllc",
	"plc", "pc", "pa",
	"co", "company",
	"gmbh", "ag", "sa", "bv", "nv",
}

var (
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpaceRe  = regexp.MustCompile(`\s{2,}`)
)

// NormalizeName standardizes a business name for matching by lowercasing, turning "&" into "and",
// stripping punctuation, dropping a trailing legal suffix and collapsing whitespace.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ""
	}
	name = strings.ReplaceAll(name, "&", " and ")
	name = strings.NewReplacer(".", "", "'", "", "’", "").Replace(name)
	name = punctuationRe.ReplaceAllString(name, " ")
	name = multiSpaceRe.ReplaceAllString(strings.TrimSpace(name), " ")

	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, " "+suffix) {
			name = strings.TrimSpace(strings.TrimSuffix(name, suffix))
			break
		}
	}
	return name
}

// Tokens splits a normalized name into words.
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}
