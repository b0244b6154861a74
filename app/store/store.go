package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound returned when a requested record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict returned when a job type with the same name already exists
	ErrConflict = errors.New("already exists")
	// ErrUnavailable wraps backend I/O failures
	ErrUnavailable = errors.New("storage unavailable")
)

// DefaultJobTypes are seeded into every store, in this order
var DefaultJobTypes = []string{
	"Breaking Rocks",
	"Growing Weed",
	"Cocaine Making",
	"Trucking",
	"Boosting",
}

// JobType is a named category of work sessions are logged against
type JobType struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobSession is one logged unit of work
type JobSession struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"userId"`
	JobTypeID       int64           `json:"jobTypeId"`
	DurationMinutes int             `json:"durationMinutes"`
	Earnings        decimal.Decimal `json:"earnings"`
	Expenses        decimal.Decimal `json:"expenses"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NetProfit returns earnings minus expenses
func (s JobSession) NetProfit() decimal.Decimal {
	return s.Earnings.Sub(s.Expenses)
}

// NewJobSession is the caller-supplied part of a session
type NewJobSession struct {
	JobTypeID       int64           `json:"jobTypeId"`
	DurationMinutes int             `json:"durationMinutes"`
	Earnings        decimal.Decimal `json:"earnings"`
	Expenses        decimal.Decimal `json:"expenses"`
}

// User is the minimal projection of an externally owned identity
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// JobSessionWithDetails is a session joined with its job type and, when known, its user
type JobSessionWithDetails struct {
	JobSession
	JobType JobType `json:"jobType"`
	User    *User   `json:"user,omitempty"`
}

// Store defines storage operations shared by all backends.
// Empty userID in ListJobSessions, CountJobSessions and Snapshot means all users,
// limit <= 0 in ListJobSessions means no limit.
type Store interface {
	CreateJobType(ctx context.Context, name string) (JobType, error)
	JobTypeByName(ctx context.Context, name string) (JobType, error)
	JobTypeByID(ctx context.Context, id int64) (JobType, error)
	ListJobTypes(ctx context.Context) ([]JobType, error)
	CreateJobSession(ctx context.Context, s NewJobSession, userID string) (JobSession, error)
	ListJobSessions(ctx context.Context, userID string, limit, offset int) ([]JobSessionWithDetails, error)
	CountJobSessions(ctx context.Context, userID string) (int, error)
	ListAllJobSessionsForExport(ctx context.Context) ([]JobSessionWithDetails, error)
	Snapshot(ctx context.Context, userID string) ([]JobSession, error)
	Close() error
}

// UserStore is implemented by multi-user backends keeping a users table
type UserStore interface {
	UpsertUser(ctx context.Context, u User) (User, error)
	User(ctx context.Context, id string) (User, error)
}

// Seed inserts default job types missing by name. Calling it again is a no-op.
func Seed(ctx context.Context, s Store) error {
	for _, name := range DefaultJobTypes {
		_, err := s.JobTypeByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to check job type %q: %w", name, err)
		}
		if _, err := s.CreateJobType(ctx, name); err != nil {
			if errors.Is(err, ErrConflict) { // created concurrently
				continue
			}
			return fmt.Errorf("failed to seed job type %q: %w", name, err)
		}
		log.Printf("[DEBUG] seeded job type %q", name)
	}
	return nil
}
