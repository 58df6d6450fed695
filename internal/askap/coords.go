package askap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Field directions arrive as "[ra, dec, frame]" with ra/dec either in
// sexagesimal form (12:34:56.7, hour angle for ra) or plain degrees.
var fieldDirectionRe = regexp.MustCompile(`\[([^,\]]*),([^,\]]*),[^\]]*\]`)

// ParseFieldDirection extracts right ascension and declination in degrees
// from a field-direction string. Mixed representations (one coordinate
// sexagesimal, the other decimal) are rejected rather than guessed at.
func ParseFieldDirection(s string) (ra, dec float64, err error) {
	m := fieldDirectionRe.FindAllStringSubmatch(s, -1)
	if len(m) != 1 {
		return 0, 0, fmt.Errorf("none or multiple field directions in %q", s)
	}
	raStr := cleanCoord(m[0][1])
	decStr := cleanCoord(m[0][2])

	raSexa := strings.Contains(raStr, ":")
	decSexa := strings.Contains(decStr, ":")
	if raSexa != decSexa {
		return 0, 0, fmt.Errorf("mixed coordinate formats in %q", s)
	}

	if raSexa {
		raHours, err := parseSexagesimal(raStr)
		if err != nil {
			return 0, 0, fmt.Errorf("ra %q: %w", raStr, err)
		}
		dec, err = parseSexagesimal(decStr)
		if err != nil {
			return 0, 0, fmt.Errorf("dec %q: %w", decStr, err)
		}
		return raHours * 15.0, dec, nil
	}

	ra, err = strconv.ParseFloat(raStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("ra %q: %w", raStr, err)
	}
	dec, err = strconv.ParseFloat(decStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("dec %q: %w", decStr, err)
	}
	return ra, dec, nil
}

func cleanCoord(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, `"`, "")
	return s
}

// parseSexagesimal converts d:m:s (or h:m:s) to a decimal value, keeping the
// sign of the leading component across all terms.
func parseSexagesimal(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("expected three components, got %d", len(parts))
	}
	lead, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	if min < 0 || sec < 0 {
		return 0, fmt.Errorf("negative minutes or seconds in %q", s)
	}
	sign := 1.0
	if strings.HasPrefix(strings.TrimSpace(parts[0]), "-") {
		sign = -1.0
		lead = -lead
	}
	return sign * (lead + min/60.0 + sec/3600.0), nil
}
