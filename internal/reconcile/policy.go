package reconcile

import "strings"

// AvailabilityFunc reports whether display fields describe an animal that can
// be adopted. known is false when the fields carry no availability signal.
type AvailabilityFunc func(fields map[string]string) (available, known bool)

// StatusPolicy matches one display field against configured value lists.
// Shelter markup varies, so nothing here is hardcoded.
type StatusPolicy struct {
	Field       string
	Available   []string
	Unavailable []string
}

// Func returns the predicate, or nil when the policy is not configured.
//
// Values match case-insensitively as substrings, so "Adoption Pending" matches
// "pending". Unavailable values are checked first.
func (p StatusPolicy) Func() AvailabilityFunc {
	field := strings.ToLower(strings.TrimSpace(p.Field))
	if field == "" || (len(p.Available) == 0 && len(p.Unavailable) == 0) {
		return nil
	}
	avail := lowerAll(p.Available)
	unavail := lowerAll(p.Unavailable)

	return func(fields map[string]string) (bool, bool) {
		v, ok := fields[field]
		if !ok {
			return false, false
		}
		v = strings.ToLower(v)
		for _, u := range unavail {
			if strings.Contains(v, u) {
				return false, true
			}
		}
		for _, a := range avail {
			if strings.Contains(v, a) {
				return true, true
			}
		}
		// With only an unavailable list, anything else counts as available.
		if len(avail) == 0 {
			return true, true
		}
		return false, false
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
