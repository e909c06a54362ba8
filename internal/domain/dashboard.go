package domain

import "time"

// DashboardDays is the number of calendar days, today included, covered by
// Dashboard.Days.
const DashboardDays = 7

// Dashboard aggregates check-in activity across every account.
type Dashboard struct {
	TotalAccounts   int
	EnabledAccounts int

	// Today holds records from the current calendar day, most recent first.
	Today []DashboardEntry

	TotalRecords    int64
	PositiveRecords int64

	// Days runs oldest first and always has DashboardDays entries.
	Days []DayTotals
}

// DashboardEntry is a record paired with the name of its account.
type DashboardEntry struct {
	AccountName string
	Record      ExecutionRecord
}

// DayTotals counts the records of one calendar day.
type DayTotals struct {
	Day      time.Time
	Total    int64
	Positive int64
}

// SuccessRate is PositiveRecords over TotalRecords, or 0 with no records.
func (d Dashboard) SuccessRate() float64 {
	if d.TotalRecords == 0 {
		return 0
	}
	return float64(d.PositiveRecords) / float64(d.TotalRecords)
}
