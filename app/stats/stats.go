// Package stats computes profitability rankings, per-user statistics and pagination info.
// Everything here is a pure function of its input and safe for concurrent use.
package stats

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/umputun/jobstats/app/store"
)

var (
	half        = decimal.NewFromFloat(0.5)
	minsPerHour = decimal.NewFromInt(60)
)

// JobProfitability is the aggregate of all sessions of one job type
type JobProfitability struct {
	JobType           store.JobType   `json:"jobType"`
	AverageHourlyRate int64           `json:"averageHourlyRate"`
	TotalSessions     int             `json:"totalSessions"`
	TotalHours        float64         `json:"totalHours"`
	TotalEarnings     decimal.Decimal `json:"totalEarnings"`
	TotalExpenses     decimal.Decimal `json:"totalExpenses"`
	NetProfit         decimal.Decimal `json:"netProfit"`
}

// UserStats is the aggregate of one user's sessions
type UserStats struct {
	TotalEarned    decimal.Decimal `json:"totalEarned"`
	TotalHours     float64         `json:"totalHours"`
	BestHourlyRate int64           `json:"bestHourlyRate"`
	JobsCompleted  int             `json:"jobsCompleted"`
}

// Accumulator collects raw totals of one job type
type Accumulator struct {
	JobType       store.JobType
	Sessions      int
	Minutes       int64
	TotalEarnings decimal.Decimal
	TotalExpenses decimal.Decimal
}

// Accumulate groups sessions by job type in a single pass.
// Groups come out in order of first appearance, sessions of unknown job types are skipped.
func Accumulate(sessions []store.JobSession, jobTypes []store.JobType) []Accumulator {
	known := make(map[int64]store.JobType, len(jobTypes))
	for _, jt := range jobTypes {
		known[jt.ID] = jt
	}

	index := map[int64]int{} // job type id -> position in res
	res := []Accumulator{}
	for _, s := range sessions {
		jt, ok := known[s.JobTypeID]
		if !ok {
			continue
		}
		pos, seen := index[s.JobTypeID]
		if !seen {
			pos = len(res)
			index[s.JobTypeID] = pos
			res = append(res, Accumulator{JobType: jt, TotalEarnings: decimal.Zero, TotalExpenses: decimal.Zero})
		}
		acc := &res[pos]
		acc.Sessions++
		acc.Minutes += int64(s.DurationMinutes)
		acc.TotalEarnings = acc.TotalEarnings.Add(s.Earnings)
		acc.TotalExpenses = acc.TotalExpenses.Add(s.Expenses)
	}
	return res
}

// Profitability returns one entry per job type with sessions, ordered by average hourly rate descending.
// Equal rates keep the order of first appearance.
func Profitability(sessions []store.JobSession, jobTypes []store.JobType) []JobProfitability {
	accs := Accumulate(sessions, jobTypes)
	res := make([]JobProfitability, 0, len(accs))
	for _, acc := range accs {
		res = append(res, acc.Profitability())
	}
	slices.SortStableFunc(res, func(a, b JobProfitability) int {
		switch {
		case a.AverageHourlyRate > b.AverageHourlyRate:
			return -1
		case a.AverageHourlyRate < b.AverageHourlyRate:
			return 1
		}
		return 0
	})
	return res
}

// Profitability materializes rounded figures of the accumulated totals
func (a Accumulator) Profitability() JobProfitability {
	net := a.TotalEarnings.Sub(a.TotalExpenses)
	return JobProfitability{
		JobType:           a.JobType,
		AverageHourlyRate: RoundHalfUp(HourlyRate(net, a.Minutes), 0).IntPart(),
		TotalSessions:     a.Sessions,
		TotalHours:        hours(a.Minutes),
		TotalEarnings:     a.TotalEarnings,
		TotalExpenses:     a.TotalExpenses,
		NetProfit:         net,
	}
}

// UserStatsOf summarizes sessions of a single user. Total earned is gross, expenses not subtracted.
func UserStatsOf(sessions []store.JobSession) UserStats {
	res := UserStats{TotalEarned: decimal.Zero}
	var minutes int64
	best := decimal.Zero
	for _, s := range sessions {
		res.TotalEarned = res.TotalEarned.Add(s.Earnings)
		minutes += int64(s.DurationMinutes)
		if rate := HourlyRate(s.NetProfit(), int64(s.DurationMinutes)); rate.GreaterThan(best) {
			best = rate
		}
	}
	res.TotalHours = hours(minutes)
	res.BestHourlyRate = RoundHalfUp(best, 0).IntPart()
	res.JobsCompleted = len(sessions)
	return res
}

// HourlyRate returns net profit per hour, 0 for non-positive duration
func HourlyRate(net decimal.Decimal, minutes int64) decimal.Decimal {
	if minutes <= 0 {
		return decimal.Zero
	}
	return net.Mul(minsPerHour).Div(decimal.NewFromInt(minutes))
}

// hours converts minutes to hours rounded to one decimal place
func hours(minutes int64) float64 {
	return RoundHalfUp(decimal.NewFromInt(minutes).Div(minsPerHour), 1).InexactFloat64()
}

// RoundHalfUp rounds d to places decimal places, halves go toward positive infinity
func RoundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Shift(places).Add(half).Floor().Shift(-places)
}
