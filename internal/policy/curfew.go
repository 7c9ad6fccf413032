package policy

import "time"

// dayKey buckets a wall-clock time into the three curfew groups spec.md §3
// supports: "weekday" (Mon-Fri), "saturday", "sunday".
func dayKey(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday:
		return "saturday"
	case time.Sunday:
		return "sunday"
	default:
		return "weekday"
	}
}

// InCurfew reports whether now falls inside the allowed login window for
// its day group. An absent curfew, or an absent entry for today's group,
// means no restriction — always "inside". A wraparound window
// (start > end) straddles midnight, per spec.md §4.2.
func InCurfew(now time.Time, c Curfew) bool {
	if len(c) == 0 {
		return true
	}
	window, ok := c[dayKey(now)]
	if !ok {
		return true
	}
	m := curfewWindowRE.FindStringSubmatch(window)
	if m == nil {
		return true
	}
	startMin := atoi(m[1])*60 + atoi(m[2])
	endMin := atoi(m[3])*60 + atoi(m[4])
	nowMin := now.Hour()*60 + now.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Wraparound: the window straddles midnight.
	return nowMin >= startMin || nowMin < endMin
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
