// Package service provides the Ledger, the entry point for job session operations.
// It validates input before any write, drives the store and hands snapshots to the stats and export transforms.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/shopspring/decimal"

	"github.com/umputun/jobstats/app/export"
	"github.com/umputun/jobstats/app/stats"
	"github.com/umputun/jobstats/app/store"
)

// limits of the input and of history pages
const (
	MaxJobTypeName = 100
	DefaultLimit   = 20
	MaxLimit       = 100
)

// maxAmount is the exclusive upper bound of earnings and expenses, numeric(10,2) column range
var maxAmount = decimal.New(1, 8)

// Ledger combines store, aggregation and export. Safe for concurrent use if the store is.
type Ledger struct {
	store store.Store
}

// HistoryPage is one page of a user's sessions
type HistoryPage struct {
	Sessions   []store.JobSessionWithDetails `json:"sessions"`
	Pagination stats.Pagination              `json:"pagination"`
}

// ValidationError reports every offending input field with a message
type ValidationError struct {
	Fields map[string]string
}

// Error returns the fields in a stable order
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, k+": "+e.Fields[k])
	}
	return "invalid input, " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewLedger makes a Ledger over the given store
func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Init seeds default job types, safe to call on already initialized storage
func (l *Ledger) Init(ctx context.Context) error {
	if err := store.Seed(ctx, l.store); err != nil {
		return fmt.Errorf("failed to initialize job types: %w", err)
	}
	return nil
}

// JobTypes returns all job types sorted by name
func (l *Ledger) JobTypes(ctx context.Context) ([]store.JobType, error) {
	return l.store.ListJobTypes(ctx)
}

// CreateJobType adds a job type, store.ErrConflict if the name is taken
func (l *Ledger) CreateJobType(ctx context.Context, name string) (store.JobType, error) {
	verr := &ValidationError{}
	switch {
	case strings.TrimSpace(name) == "":
		verr.add("name", "must not be empty")
	case utf8.RuneCountInString(name) > MaxJobTypeName:
		verr.add("name", fmt.Sprintf("must be at most %d characters", MaxJobTypeName))
	}
	if err := verr.errOrNil(); err != nil {
		return store.JobType{}, err
	}

	_, err := l.store.JobTypeByName(ctx, name)
	if err == nil {
		return store.JobType{}, fmt.Errorf("job type %q: %w", name, store.ErrConflict)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.JobType{}, fmt.Errorf("failed to check job type %q: %w", name, err)
	}

	jt, err := l.store.CreateJobType(ctx, name)
	if err != nil {
		return store.JobType{}, err
	}
	log.Printf("[INFO] job type %q created, id %d", jt.Name, jt.ID)
	return jt, nil
}

// LogSession validates and stores a session owned by userID. Amounts are rounded to cents.
// Unknown job type results in store.ErrNotFound.
func (l *Ledger) LogSession(ctx context.Context, userID string, in store.NewJobSession) (store.JobSession, error) {
	verr := &ValidationError{}
	if userID == "" {
		verr.add("userId", "must not be empty")
	}
	if in.DurationMinutes < 1 {
		verr.add("durationMinutes", "must be at least 1 minute")
	}
	checkAmount(verr, "earnings", in.Earnings)
	checkAmount(verr, "expenses", in.Expenses)
	if err := verr.errOrNil(); err != nil {
		return store.JobSession{}, err
	}

	if _, err := l.store.JobTypeByID(ctx, in.JobTypeID); err != nil {
		return store.JobSession{}, fmt.Errorf("failed to check job type %d: %w", in.JobTypeID, err)
	}

	in.Earnings = in.Earnings.Round(2)
	in.Expenses = in.Expenses.Round(2)
	js, err := l.store.CreateJobSession(ctx, in, userID)
	if err != nil {
		return store.JobSession{}, err
	}
	log.Printf("[DEBUG] session %d logged by %s, job type %d, %d min", js.ID, userID, js.JobTypeID, js.DurationMinutes)
	return js, nil
}

func checkAmount(verr *ValidationError, field string, v decimal.Decimal) {
	switch {
	case v.IsNegative():
		verr.add(field, "must be non-negative")
	case v.Round(2).GreaterThanOrEqual(maxAmount):
		verr.add(field, "must be less than "+maxAmount.String())
	}
}

// History returns a page of userID's sessions, newest first.
// Page below 1 means the first page, limit defaults to DefaultLimit and is capped by MaxLimit.
func (l *Ledger) History(ctx context.Context, userID string, page, limit int) (HistoryPage, error) {
	page = max(page, 1)
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	offset := (page - 1) * limit

	var sessions []store.JobSessionWithDetails
	var total int
	var listErr, countErr error
	gr := syncs.NewSizedGroup(2)
	gr.Go(func(context.Context) {
		sessions, listErr = l.store.ListJobSessions(ctx, userID, limit, offset)
	})
	gr.Go(func(context.Context) {
		total, countErr = l.store.CountJobSessions(ctx, userID)
	})
	gr.Wait()

	if err := errors.Join(listErr, countErr); err != nil {
		return HistoryPage{}, fmt.Errorf("failed to load history of %s: %w", userID, err)
	}
	if sessions == nil {
		sessions = []store.JobSessionWithDetails{}
	}
	return HistoryPage{Sessions: sessions, Pagination: stats.Paginate(limit, offset, total)}, nil
}

// Profitability ranks job types by average hourly rate across all users
func (l *Ledger) Profitability(ctx context.Context) ([]stats.JobProfitability, error) {
	sessions, jobTypes, err := l.snapshot(ctx, "")
	if err != nil {
		return nil, err
	}
	return stats.Profitability(sessions, jobTypes), nil
}

// UserStats summarizes userID's sessions, sessions of unknown job types are ignored
func (l *Ledger) UserStats(ctx context.Context, userID string) (stats.UserStats, error) {
	sessions, jobTypes, err := l.snapshot(ctx, userID)
	if err != nil {
		return stats.UserStats{}, err
	}
	known := make(map[int64]bool, len(jobTypes))
	for _, jt := range jobTypes {
		known[jt.ID] = true
	}
	res := make([]store.JobSession, 0, len(sessions))
	for _, s := range sessions {
		if known[s.JobTypeID] {
			res = append(res, s)
		}
	}
	return stats.UserStatsOf(res), nil
}

func (l *Ledger) snapshot(ctx context.Context, userID string) ([]store.JobSession, []store.JobType, error) {
	sessions, err := l.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	jobTypes, err := l.store.ListJobTypes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job types: %w", err)
	}
	return sessions, jobTypes, nil
}

// Export writes sessions as csv, newest first. Empty userID exports every user with the user column,
// otherwise only userID's sessions without it.
func (l *Ledger) Export(ctx context.Context, w io.Writer, userID string) error {
	if userID == "" {
		sessions, err := l.store.ListAllJobSessionsForExport(ctx)
		if err != nil {
			return fmt.Errorf("failed to load sessions for export: %w", err)
		}
		return export.WriteCSV(w, sessions, export.AllUsers)
	}
	sessions, err := l.store.ListJobSessions(ctx, userID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to load sessions of %s for export: %w", userID, err)
	}
	return export.WriteCSV(w, sessions, export.PerUser)
}

// SyncUser records the identity if the store keeps users, otherwise returns it unchanged
func (l *Ledger) SyncUser(ctx context.Context, u store.User) (store.User, error) {
	if u.ID == "" {
		return store.User{}, &ValidationError{Fields: map[string]string{"userId": "must not be empty"}}
	}
	us, ok := l.store.(store.UserStore)
	if !ok {
		return u, nil
	}
	res, err := us.UpsertUser(ctx, u)
	if err != nil {
		return store.User{}, fmt.Errorf("failed to sync user %s: %w", u.ID, err)
	}
	return res, nil
}

// CurrentUser returns the stored identity of id. Stores without users return the bare id.
func (l *Ledger) CurrentUser(ctx context.Context, id string) (store.User, error) {
	us, ok := l.store.(store.UserStore)
	if !ok {
		return store.User{ID: id}, nil
	}
	return us.User(ctx, id)
}
