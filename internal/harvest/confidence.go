package harvest

import (
	"fmt"
	"strings"
)

// Confidence is an ordinal match-strength tier. Higher values are stronger.
type Confidence int

// Confidence tiers, ordered.
const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceExact
)

var confidenceNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "EXACT"}

func (c Confidence) String() string {
	if c < ConfidenceNone || c > ConfidenceExact {
		return fmt.Sprintf("Confidence(%d)", int(c))
	}
	return confidenceNames[c]
}

// ParseConfidence accepts tier names case-insensitively.
func ParseConfidence(s string) (Confidence, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "" {
		return ConfidenceNone, nil
	}
	for i, n := range confidenceNames {
		if n == name {
			return Confidence(i), nil
		}
	}
	return ConfidenceNone, fmt.Errorf("unknown confidence %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Confidence) UnmarshalText(b []byte) error {
	parsed, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Score maps a tier to the numeric score reported with classification results.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceExact:
		return 1.0
	case ConfidenceHigh:
		return 0.8
	case ConfidenceMedium:
		return 0.5
	case ConfidenceLow:
		return 0.2
	default:
		return 0
	}
}
