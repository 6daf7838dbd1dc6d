package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseOffset parses an ISO-8601-style duration with week/day/hour/
// minute/second components and a leading sign: "-PT15M" is 15 minutes
// before the event, "P1D" one day after. The zero value "PT0S" is valid.
func ParseOffset(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty reminder offset")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	if len(s) == 0 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid reminder offset %q", orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	seen := false

	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			num += string(c)
		case c == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("invalid reminder offset %q", orig)
			}
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid reminder offset %q", orig)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid reminder offset %q", orig)
			}
			num = ""
			seen = true

			var unit time.Duration
			switch c {
			case 'W':
				unit = 7 * 24 * time.Hour
			case 'D':
				unit = 24 * time.Hour
			case 'H':
				unit = time.Hour
			case 'M':
				if !inTime {
					// months are not part of the grammar
					return 0, fmt.Errorf("unsupported month component in %q", orig)
				}
				unit = time.Minute
			case 'S':
				unit = time.Second
			default:
				return 0, fmt.Errorf("invalid component %q in %q", string(c), orig)
			}
			if (unit >= 24*time.Hour) == inTime {
				return 0, fmt.Errorf("component %q on wrong side of T in %q", string(c), orig)
			}
			total += time.Duration(n) * unit
		}
	}

	if num != "" || !seen {
		return 0, fmt.Errorf("invalid reminder offset %q", orig)
	}
	if negative {
		total = -total
	}
	return total, nil
}

// SplitOffsets splits an event's comma-separated reminder offset list.
func SplitOffsets(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// wholeDays reports whether the offset is a day-granularity duration and
// its length in days.
func wholeDays(offset time.Duration) (int, bool) {
	if offset%(24*time.Hour) != 0 {
		return 0, false
	}
	return int(offset / (24 * time.Hour)), true
}
