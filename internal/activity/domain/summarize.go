package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Summarize groups events by subject and prices them. Fees are exact products;
// rounding to cents happens once, on the total.
func Summarize(events []Event, periodStart, periodEnd time.Time, rates Rates) []ActivitySummary {
	if len(events) == 0 {
		return []ActivitySummary{}
	}

	bySubject := make(map[snowflake.ID]*ActivitySummary)
	order := make([]snowflake.ID, 0)

	for _, ev := range events {
		if ev.SubjectID == 0 {
			continue
		}
		summary, ok := bySubject[ev.SubjectID]
		if !ok {
			summary = &ActivitySummary{
				SubjectID:           ev.SubjectID,
				PeriodStart:         periodStart,
				PeriodEnd:           periodEnd,
				FirstEventAt:        ev.Timestamp,
				LastEventAt:         ev.Timestamp,
				ManualReviewReasons: []string{},
			}
			bySubject[ev.SubjectID] = summary
			order = append(order, ev.SubjectID)
		}
		if summary.SubjectEmail == "" {
			summary.SubjectEmail = strings.TrimSpace(ev.SubjectEmail)
		}
		if summary.SubjectName == "" {
			summary.SubjectName = strings.TrimSpace(ev.SubjectName)
		}

		summary.EventCount++
		if ev.IsManualReview {
			summary.ManualReviewCount++
			if reason := strings.TrimSpace(ev.ReviewReason); reason != "" {
				summary.ManualReviewReasons = append(summary.ManualReviewReasons, reason)
			}
		} else {
			summary.StandardCount++
		}
		if ev.Timestamp.Before(summary.FirstEventAt) {
			summary.FirstEventAt = ev.Timestamp
		}
		if ev.Timestamp.After(summary.LastEventAt) {
			summary.LastEventAt = ev.Timestamp
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]ActivitySummary, 0, len(order))
	for _, id := range order {
		summary := bySubject[id]
		summary.StandardFee = rates.StandardUnitRate.Mul(decimal.NewFromInt(int64(summary.StandardCount)))
		summary.ManualReviewFee = rates.ManualReviewRate.Mul(decimal.NewFromInt(int64(summary.ManualReviewCount)))
		summary.TotalFee = summary.StandardFee.Add(summary.ManualReviewFee).Round(2)
		out = append(out, *summary)
	}
	return out
}

// NormalizeRange turns an inclusive admin date range into a half-open query
// window. A date-only end covers that whole day.
func NormalizeRange(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, ErrInvalidPeriod
	}
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		return time.Time{}, time.Time{}, ErrInvalidPeriod
	}

	if isMidnight(end) {
		return start, end.AddDate(0, 0, 1), nil
	}
	return start, end.Add(time.Nanosecond), nil
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
