// Package export serializes job sessions to the CSV download format.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/umputun/jobstats/app/stats"
	"github.com/umputun/jobstats/app/store"
)

const (
	// Filename is the suggested download name of the export
	Filename = "fivem-job-sessions.csv"
	// ContentType of the export
	ContentType = "text/csv"

	unknownUser = "Unknown User"
	dateLayout  = "2006-01-02"
)

// Mode selects the column set of the export
type Mode int

// enum of export modes
const (
	PerUser  Mode = iota // sessions of one user, no user column
	AllUsers             // sessions of every user with the user column after job type
)

var headers = map[Mode][]string{
	PerUser:  {"Date", "Job Type", "Duration (min)", "Earnings", "Expenses", "Net Profit", "Hourly Rate"},
	AllUsers: {"Date", "Job Type", "User", "Duration (min)", "Earnings", "Expenses", "Net Profit", "Hourly Rate"},
}

// String returns the mode name
func (m Mode) String() string {
	if m == AllUsers {
		return "all-users"
	}
	return "per-user"
}

// WriteCSV writes the header and one row per session in the given order.
// Rows are separated by a newline, the last row has no trailing separator.
func WriteCSV(w io.Writer, sessions []store.JobSessionWithDetails, mode Mode) error {
	if _, err := io.WriteString(w, strings.Join(headers[mode], ",")); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, s := range sessions {
		if _, err := io.WriteString(w, "\n"+Row(s, mode)); err != nil {
			return fmt.Errorf("failed to write csv row for session %d: %w", s.ID, err)
		}
	}
	return nil
}

// Row formats a single session as a csv line without the line separator
func Row(s store.JobSessionWithDetails, mode Mode) string {
	net := s.NetProfit()
	rate := "0"
	if s.DurationMinutes > 0 {
		rate = stats.RoundHalfUp(stats.HourlyRate(net, int64(s.DurationMinutes)), 2).StringFixed(2)
	}

	fields := make([]string, 0, len(headers[mode]))
	fields = append(fields, s.CreatedAt.UTC().Format(dateLayout), quote(s.JobType.Name))
	if mode == AllUsers {
		fields = append(fields, quote(userName(s.User)))
	}
	fields = append(fields,
		strconv.Itoa(s.DurationMinutes),
		s.Earnings.StringFixed(2),
		s.Expenses.StringFixed(2),
		net.String(),
		rate,
	)
	return strings.Join(fields, ",")
}

func userName(u *store.User) string {
	if u == nil {
		return unknownUser
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return unknownUser
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
