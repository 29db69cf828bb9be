package extract

import (
	"regexp"
	"strings"

	"freight_scrooper/browser"
	"freight_scrooper/models"
)

var (
	// "Reference #: 78B1234", "Ref ID 78B1234", "Reference Number - AB12"
	labelInline = regexp.MustCompile(`(?i)\b(?:reference|ref)\b\.?\s*(?:#|no\.?|num(?:ber)?|id)?\s*[:#\-]?\s*([A-Za-z0-9][A-Za-z0-9\-]{3,})`)
	labelOnly   = regexp.MustCompile(`(?i)^(?:reference|ref)\.?\s*(?:#|no\.?|num(?:ber)?|id)?\s*[:#\-]?$`)
	tokenRe     = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9\-]*`)
	shortRefRe  = regexp.MustCompile(`\b\d{2}[A-Za-z]\d{4}\b`)
	genericRe   = regexp.MustCompile(`\b[A-Za-z0-9]{6,}\b`)
	digitRe     = regexp.MustCompile(`\d`)
	// weights, distances and trailer lengths: 42000lbs, 310mi, 48ft, 45k
	unitToken = regexp.MustCompile(`(?i)^\d+(?:lbs?|mi|ft|k)$`)
)

var identifierStopwords = map[string]bool{
	"reference": true, "ref": true, "number": true, "num": true, "id": true,
	"details": true, "detail": true, "contact": true, "company": true,
	"phone": true, "email": true, "none": true, "unavailable": true,
	"loads": true, "truck": true, "trucks": true, "flatbed": true, "reefer": true,
	"van": true, "miles": true, "weight": true, "length": true, "posted": true,
}

// identifierStrategy returns ok=false when it finds nothing.
type identifierStrategy struct {
	source models.IdentifierSource
	find   func(s *browser.Surface) (string, bool)
}

var identifierStrategies = []identifierStrategy{
	{source: models.IdentifierLabel, find: findLabelInline},
	{source: models.IdentifierSibling, find: findLabelSibling},
	{source: models.IdentifierPattern, find: func(s *browser.Surface) (string, bool) {
		return FindGenericIdentifier(s.Text())
	}},
}

// FindIdentifier runs the DOM strategies in order over a detail surface.
// Synthesis is the caller's fallback when ok is false.
func FindIdentifier(s *browser.Surface) (string, models.IdentifierSource, bool) {
	if s == nil {
		return "", "", false
	}
	for _, st := range identifierStrategies {
		if id, ok := st.find(s); ok {
			return id, st.source, true
		}
	}
	return "", "", false
}

// findLabelInline looks for a token after a "reference" label inside one
// element's own text.
func findLabelInline(s *browser.Surface) (string, bool) {
	for _, n := range s.Elements() {
		own := n.OwnText()
		if own == "" {
			continue
		}
		for _, m := range labelInline.FindAllStringSubmatch(own, -1) {
			if acceptToken(m[1], 4) {
				return strings.ToUpper(m[1]), true
			}
		}
	}
	return "", false
}

// findLabelSibling pairs a bare label element with its next sibling.
func findLabelSibling(s *browser.Surface) (string, bool) {
	for _, n := range s.Elements() {
		if !labelOnly.MatchString(n.Text()) {
			continue
		}
		sib, ok := n.Next()
		if !ok {
			continue
		}
		tok := tokenRe.FindString(sib.Text())
		if acceptToken(tok, 4) {
			return strings.ToUpper(tok), true
		}
	}
	return "", false
}

// FindGenericIdentifier scans free text for load-reference shaped tokens.
// Measurements such as "48ft" are never identifiers.
func FindGenericIdentifier(text string) (string, bool) {
	text = dropUnitTokens(text)
	if m := shortRefRe.FindString(text); m != "" {
		return strings.ToUpper(m), true
	}
	for _, tok := range genericRe.FindAllString(text, -1) {
		if !digitRe.MatchString(tok) || looksLikePhone(tok) {
			continue
		}
		if acceptToken(tok, 6) {
			return strings.ToUpper(tok), true
		}
	}
	return "", false
}

func dropUnitTokens(text string) string {
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		if !unitToken.MatchString(strings.Trim(f, ",.;")) {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

func acceptToken(tok string, minLen int) bool {
	if len(tok) < minLen {
		return false
	}
	return !identifierStopwords[strings.ToLower(tok)]
}

func looksLikePhone(tok string) bool {
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(tok) == 10 || len(tok) == 11
}
