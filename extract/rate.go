package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Rate is a parsed rate cell. Nil fields were not present.
type Rate struct {
	Total   *int
	PerMile *float64
}

type rateStrategy struct {
	name  string
	re    *regexp.Regexp
	apply func(m []string) Rate
}

// Evaluated in order; whitespace is removed from the input first.
var rateStrategies = []rateStrategy{
	{
		name: "combined",
		re:   regexp.MustCompile(`^\$([\d,]+(?:\.\d+)?)\$(\d+(?:\.\d+)?)\*?/mi$`),
		apply: func(m []string) Rate {
			return Rate{Total: parseAmount(m[1]), PerMile: parsePerMile(m[2])}
		},
	},
	{
		name: "per_mile",
		re:   regexp.MustCompile(`^\$(\d+(?:\.\d+)?)\*?/mi$`),
		apply: func(m []string) Rate {
			return Rate{PerMile: parsePerMile(m[1])}
		},
	},
	{
		name: "total",
		re:   regexp.MustCompile(`^\$([\d,]+(?:\.\d+)?)$`),
		apply: func(m []string) Rate {
			return Rate{Total: parseAmount(m[1])}
		},
	},
}

// ParseRate reads "$2,700$2.17*/mi", "$1,500" or "$3.05/mi". Anything else
// yields an empty Rate.
func ParseRate(text string) Rate {
	compact := strings.Join(strings.Fields(text), "")
	if compact == "" {
		return Rate{}
	}
	for _, s := range rateStrategies {
		if m := s.re.FindStringSubmatch(compact); m != nil {
			return s.apply(m)
		}
	}
	return Rate{}
}

func parseAmount(s string) *int {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	// totals past int32 are garbage, not freight rates
	if err != nil || f < 0 || f > math.MaxInt32 {
		return nil
	}
	v := int(f)
	return &v
}

func parsePerMile(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
