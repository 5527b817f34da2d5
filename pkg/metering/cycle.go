package metering

import "time"

// BillingCycle computes the billing period containing now for a subscription
// that started at start, preserving the anniversary day-of-month across
// months. A subscription started on Jan 31 cycles Jan 31 - Feb 28 (or Feb 29),
// Feb 28 - Mar 31, Mar 31 - Apr 30, and so on.
//
// Stores use this to roll the current period forward and reset the
// month-to-date usage counter when the period has expired.
func BillingCycle(start, now time.Time) (periodStart, periodEnd time.Time) {
	s := startOfDayUTC(start)
	n := now.UTC()
	if n.Before(s) {
		// Clock skew / future start: clamp to the first period.
		return s, addMonthsClamped(s, 1, s.Day())
	}

	anniversary := s.Day()
	for months := 0; ; months++ {
		periodStart = addMonthsClamped(s, months, anniversary)
		periodEnd = addMonthsClamped(s, months+1, anniversary)
		if periodEnd.After(n) {
			return periodStart, periodEnd
		}
	}
}

// addMonthsClamped adds months to base targeting day-of-month targetDay. When
// the target day does not exist in the result month (e.g. Feb 31) it clamps
// to the last day of that month instead of letting time.Date normalize into
// the next one.
func addMonthsClamped(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()
	day := targetDay
	if day > lastDay {
		day = lastDay
	}

	return time.Date(first.Year(), first.Month(), day,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

// startOfDayUTC returns 00:00:00 UTC on the day of t.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// nextMonthStartUTC returns 00:00:00 UTC on the first day of the calendar
// month after t. Monthly rate-limit windows expire at this boundary.
func nextMonthStartUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
