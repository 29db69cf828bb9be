package extract

import (
	"regexp"
	"strings"

	"freight_scrooper/browser"
)

type contactPattern struct {
	name string
	re   *regexp.Regexp
}

// Phones before emails; first match wins.
var contactPatterns = []contactPattern{
	{name: "phone_parenthesized", re: regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.\s]\d{4}`)},
	{name: "phone_separated", re: regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`)},
	{name: "phone_bare", re: regexp.MustCompile(`(?:\+1|\b1?)\d{10}\b`)},
	{name: "email", re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
}

// FindContact scans only the detail surface, never the page.
func FindContact(s *browser.Surface) (string, bool) {
	if s == nil {
		return "", false
	}
	return FindContactText(s.Text())
}

func FindContactText(text string) (string, bool) {
	for _, p := range contactPatterns {
		if m := p.re.FindString(text); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}
