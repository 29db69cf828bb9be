package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"freight_scrooper/models"
)

const syntheticPrefix = "SYN-"

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9@.\s]`)
)

// Fingerprint keys a listing by its business fields. The identifier is left
// out on purpose: it may be synthesized differently for the same load.
func Fingerprint(r *models.ListingRecord) string {
	contact := ""
	if r.Contact != nil {
		contact = NormalizeContact(*r.Contact)
	}
	input := strings.Join([]string{
		Normalize(r.Origin),
		Normalize(r.Destination),
		Normalize(r.Company),
		formatInt(r.RateTotal),
		contact,
	}, "|")
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// SynthesizeID derives a stable identifier for listings that expose none.
// Only fields that do not drift between runs participate (no age, no timestamp).
func SynthesizeID(r *models.ListingRecord) string {
	input := strings.Join([]string{
		Normalize(r.Origin),
		Normalize(r.Destination),
		Normalize(r.Company),
		formatInt(r.RateTotal),
		formatFloat(r.RatePerMile),
	}, "|")
	hash := sha256.Sum256([]byte(input))
	return syntheticPrefix + strings.ToUpper(hex.EncodeToString(hash[:6]))
}

func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}

// Normalize lowercases, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnumRegex.ReplaceAllString(s, " ")
	s = multiSpaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeContact reduces phone numbers to digits and emails to lowercase.
func NormalizeContact(c string) string {
	c = strings.TrimSpace(c)
	if strings.Contains(c, "@") {
		return strings.ToLower(c)
	}
	var b strings.Builder
	for _, r := range c {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
