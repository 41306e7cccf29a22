package listing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	daysPerYear  = 365
	daysPerMonth = 30
	daysPerWeek  = 7
)

var (
	reYears  = regexp.MustCompile(`(\d+)\s*years?`)
	reMonths = regexp.MustCompile(`(\d+)\s*months?`)
	reWeeks  = regexp.MustCompile(`(\d+)\s*weeks?`)
	reDays   = regexp.MustCompile(`(\d+)\s*days?`)
)

// ParseAge converts shelter age text ("2 years 3 months old") into days.
// Unparsable text yields 0.
func ParseAge(s string) int {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "old", "")))
	days := 0
	for _, p := range []struct {
		re   *regexp.Regexp
		mult int
	}{
		{reYears, daysPerYear},
		{reMonths, daysPerMonth},
		{reWeeks, daysPerWeek},
		{reDays, 1},
	} {
		if m := p.re.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				days += n * p.mult
			}
		}
	}
	return days
}

// HumanAge renders days as "1 year, 2 months, 3 days". Zero yields "".
func HumanAge(days int) string {
	if days <= 0 {
		return ""
	}
	years := days / daysPerYear
	days %= daysPerYear
	months := days / daysPerMonth
	days %= daysPerMonth
	weeks := days / daysPerWeek
	days %= daysPerWeek

	var parts []string
	add := func(n int, unit string) {
		if n <= 0 {
			return
		}
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, unit))
	}
	add(years, "year")
	add(months, "month")
	add(weeks, "week")
	add(days, "day")
	return strings.Join(parts, ", ")
}
