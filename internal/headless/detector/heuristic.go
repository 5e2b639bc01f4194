// Package detector inspects fetched pages for login walls, challenges and script-only shells.
package detector

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// Signal is what a page tells us about the session.
type Signal int

// Signals, in order of severity.
const (
	SignalNone Signal = iota
	SignalChallenge
	SignalLoginWall
)

func (s Signal) String() string {
	switch s {
	case SignalChallenge:
		return "challenge"
	case SignalLoginWall:
		return "login_wall"
	default:
		return "none"
	}
}

// Heuristic implements rule-based page inspection.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

var loginWallMarkers = []string{
	"/authwall",
	"/uas/login",
	"session_redirect",
	"sign in to see",
	"join now to see",
	"please log in to continue",
}

var loginWallPaths = []string{"/authwall", "/login", "/uas/login", "/signup"}

var challengeMarkers = []string{
	"/checkpoint/challenge",
	"captcha",
	"unusual activity",
	"too many requests",
	"please verify you are a human",
}

// Inspect classifies a fetched document.
func (h *Heuristic) Inspect(doc harvest.RawDocument) Signal {
	finalURL := strings.ToLower(doc.URL)
	if strings.Contains(finalURL, "/checkpoint") {
		return SignalChallenge
	}
	for _, p := range loginWallPaths {
		if strings.Contains(finalURL, p) {
			return SignalLoginWall
		}
	}

	lower := strings.ToLower(string(doc.Body))
	for _, marker := range loginWallMarkers {
		if strings.Contains(lower, marker) {
			return SignalLoginWall
		}
	}
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return SignalChallenge
		}
	}
	return SignalNone
}

// Check maps Inspect's signal onto the error taxonomy.
func (h *Heuristic) Check(doc harvest.RawDocument) error {
	switch h.Inspect(doc) {
	case SignalLoginWall:
		return errors.Wrapf(harvest.ErrAccountAuthInvalid, "login wall at %s", doc.URL)
	case SignalChallenge:
		return errors.Wrapf(harvest.ErrRateLimited, "challenge at %s", doc.URL)
	default:
		return nil
	}
}

// ShouldPromote decides whether a headless fetch is required to see the page content.
func (h *Heuristic) ShouldPromote(doc harvest.RawDocument) bool {
	if doc.StatusCode != 200 {
		return false
	}
	if strings.Contains(strings.ToLower(doc.ContentType), "json") {
		return false
	}
	body := doc.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: the rest of the document counts as script.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		coverage += end - start
		pos = end
	}
	return coverage*100/total >= 25
}
