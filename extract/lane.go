package extract

import (
	"regexp"
	"strings"
)

type Lane struct {
	Origin      string
	Destination string
	// Split is false when a single string had no recognizable boundary.
	Split bool
}

// ", CA" directly followed by the capital starting the next place name.
var laneBoundary = regexp.MustCompile(`,\s*[A-Z]{2}\s*[A-Z]`)

// ParseLane resolves origin and destination. Two distinct fields pass through;
// otherwise combined is split after the first region code.
func ParseLane(origin, destination, combined string) Lane {
	origin = strings.TrimSpace(origin)
	destination = strings.TrimSpace(destination)
	if origin != "" && destination != "" {
		if origin != destination {
			return Lane{Origin: origin, Destination: destination, Split: true}
		}
		// both selectors resolved to the same combined cell
		if l := splitLane(origin); l.Split {
			return l
		}
		return Lane{Origin: origin, Destination: destination, Split: true}
	}

	text := strings.TrimSpace(combined)
	if text == "" {
		text = origin
	}
	if text == "" {
		text = destination
	}
	return splitLane(text)
}

func splitLane(text string) Lane {
	loc := laneBoundary.FindStringIndex(text)
	if loc == nil {
		return Lane{Origin: text}
	}
	// boundary ends one past the new place's capital
	cut := loc[1] - 1
	return Lane{
		Origin:      strings.TrimSpace(text[:cut]),
		Destination: strings.TrimSpace(text[cut:]),
		Split:       true,
	}
}
