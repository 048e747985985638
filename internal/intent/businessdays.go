package intent

import "time"

// AddBusinessDays walks forward day by day from `from`, counting only
// weekdays. Bank-slip expiry uses this: a slip issued Friday with a 2-day
// window is payable through Tuesday.
func AddBusinessDays(from time.Time, days int) time.Time {
	t := from
	for added := 0; added < days; {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return t
}
