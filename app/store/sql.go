package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // sqlite driver
)

// Engine is a relational database engine supported by SQLStore
type Engine string

// supported engines
const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// SQLStore implements Store and UserStore on top of a relational database
type SQLStore struct {
	db     *sqlx.DB
	engine Engine
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) sqlite database at dbPath and initializes the schema
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite", dbPath+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	return newSQLStore(db, EngineSQLite)
}

// NewPostgresStore connects to postgres with the given dsn and initializes the schema
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return newSQLStore(db, EnginePostgres)
}

func newSQLStore(db *sqlx.DB, engine Engine) (*SQLStore, error) {
	s := &SQLStore{db: db, engine: engine, now: time.Now}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initialize creates the database schema
func (s *SQLStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT,
			last_name TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id),
			job_type_id INTEGER NOT NULL REFERENCES job_types(id),
			duration_minutes INTEGER NOT NULL,
			earnings TEXT NOT NULL,
			expenses TEXT NOT NULL DEFAULT '0',
			created_at INTEGER NOT NULL
		)`,
	}
	if s.engine == EnginePostgres {
		queries = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id VARCHAR PRIMARY KEY,
				first_name VARCHAR,
				last_name VARCHAR,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_types (
				id SERIAL PRIMARY KEY,
				name VARCHAR(100) NOT NULL UNIQUE,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_sessions (
				id SERIAL PRIMARY KEY,
				user_id VARCHAR NOT NULL REFERENCES users(id),
				job_type_id INTEGER NOT NULL REFERENCES job_types(id),
				duration_minutes INTEGER NOT NULL,
				earnings NUMERIC(10, 2) NOT NULL,
				expenses NUMERIC(10, 2) NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL
			)`,
		}
	}
	queries = append(queries,
		`CREATE INDEX IF NOT EXISTS idx_job_sessions_user_id ON job_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_sessions_created_at ON job_sessions(created_at)`,
	)

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

type jobTypeRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

func (r jobTypeRow) jobType() JobType {
	return JobType{ID: r.ID, Name: r.Name, CreatedAt: time.UnixMicro(r.CreatedAt).UTC()}
}

type sessionRow struct {
	ID               int64           `db:"id"`
	UserID           string          `db:"user_id"`
	JobTypeID        int64           `db:"job_type_id"`
	DurationMinutes  int             `db:"duration_minutes"`
	Earnings         decimal.Decimal `db:"earnings"`
	Expenses         decimal.Decimal `db:"expenses"`
	CreatedAt        int64           `db:"created_at"`
	JobTypeName      string          `db:"job_type_name"`
	JobTypeCreatedAt int64           `db:"job_type_created_at"`
	UserRef          sql.NullString  `db:"user_ref"`
	FirstName        sql.NullString  `db:"first_name"`
	LastName         sql.NullString  `db:"last_name"`
}

func (r sessionRow) session() JobSession {
	return JobSession{
		ID:              r.ID,
		UserID:          r.UserID,
		JobTypeID:       r.JobTypeID,
		DurationMinutes: r.DurationMinutes,
		Earnings:        r.Earnings,
		Expenses:        r.Expenses,
		CreatedAt:       time.UnixMicro(r.CreatedAt).UTC(),
	}
}

func (r sessionRow) details() JobSessionWithDetails {
	res := JobSessionWithDetails{
		JobSession: r.session(),
		JobType:    JobType{ID: r.JobTypeID, Name: r.JobTypeName, CreatedAt: time.UnixMicro(r.JobTypeCreatedAt).UTC()},
	}
	if r.UserRef.Valid {
		res.User = &User{ID: r.UserRef.String, FirstName: r.FirstName.String, LastName: r.LastName.String}
	}
	return res
}

// CreateJobType inserts a new job type, returns ErrConflict if the name is taken
func (s *SQLStore) CreateJobType(ctx context.Context, name string) (JobType, error) {
	row := jobTypeRow{Name: name, CreatedAt: s.now().UnixMicro()}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO job_types (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING RETURNING id`),
		row.Name, row.CreatedAt).Scan(&row.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobType{}, fmt.Errorf("job type %q: %w", name, ErrConflict)
	}
	if err != nil {
		return JobType{}, fmt.Errorf("failed to create job type: %w: %w", ErrUnavailable, err)
	}
	log.Printf("[DEBUG] created job type %d %q", row.ID, row.Name)
	return row.jobType(), nil
}

// JobTypeByName returns job type with exact name match
func (s *SQLStore) JobTypeByName(ctx context.Context, name string) (JobType, error) {
	return s.getJobType(ctx, "name = ?", name)
}

// JobTypeByID returns job type by id
func (s *SQLStore) JobTypeByID(ctx context.Context, id int64) (JobType, error) {
	return s.getJobType(ctx, "id = ?", id)
}

func (s *SQLStore) getJobType(ctx context.Context, where string, arg any) (JobType, error) {
	var row jobTypeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT id, name, created_at FROM job_types WHERE "+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return JobType{}, fmt.Errorf("job type %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return JobType{}, fmt.Errorf("failed to get job type: %w: %w", ErrUnavailable, err)
	}
	return row.jobType(), nil
}

// ListJobTypes returns all job types sorted by name
func (s *SQLStore) ListJobTypes(ctx context.Context) ([]JobType, error) {
	order := "name"
	if s.engine == EnginePostgres {
		order = `name COLLATE "C"` // byte order, same as sqlite and the kv store
	}
	rows := []jobTypeRow{}
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, name, created_at FROM job_types ORDER BY "+order+" ASC"); err != nil {
		return nil, fmt.Errorf("failed to query job types: %w: %w", ErrUnavailable, err)
	}
	res := make([]JobType, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.jobType())
	}
	return res, nil
}

// CreateJobSession inserts a session owned by userID
func (s *SQLStore) CreateJobSession(ctx context.Context, js NewJobSession, userID string) (JobSession, error) {
	row := sessionRow{
		UserID:          userID,
		JobTypeID:       js.JobTypeID,
		DurationMinutes: js.DurationMinutes,
		Earnings:        js.Earnings,
		Expenses:        js.Expenses,
		CreatedAt:       s.now().UnixMicro(),
	}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO job_sessions (user_id, job_type_id, duration_minutes, earnings, expenses, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		row.UserID, row.JobTypeID, row.DurationMinutes, row.Earnings, row.Expenses, row.CreatedAt).Scan(&row.ID)
	if isForeignKeyViolation(err) {
		return JobSession{}, fmt.Errorf("job type %d or user %s: %w", js.JobTypeID, userID, ErrNotFound)
	}
	if err != nil {
		return JobSession{}, fmt.Errorf("failed to create job session: %w: %w", ErrUnavailable, err)
	}
	return row.session(), nil
}

// isForeignKeyViolation detects foreign key errors of both engines
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

const detailsQuery = `
	SELECT s.id, s.user_id, s.job_type_id, s.duration_minutes, s.earnings, s.expenses, s.created_at,
		jt.name AS job_type_name, jt.created_at AS job_type_created_at,
		u.id AS user_ref, u.first_name, u.last_name
	FROM job_sessions s
	JOIN job_types jt ON jt.id = s.job_type_id
	LEFT JOIN users u ON u.id = s.user_id`

// ListJobSessions returns sessions newest first, offset is applied with positive limit only
func (s *SQLStore) ListJobSessions(ctx context.Context, userID string, limit, offset int) ([]JobSessionWithDetails, error) {
	query, args := detailsQuery, []any{}
	if userID != "" {
		query += " WHERE s.user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY s.created_at DESC, s.id ASC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}

	rows := []sessionRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query job sessions: %w: %w", ErrUnavailable, err)
	}
	res := make([]JobSessionWithDetails, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.details())
	}
	return res, nil
}

// CountJobSessions returns number of sessions, for a single user if userID set
func (s *SQLStore) CountJobSessions(ctx context.Context, userID string) (int, error) {
	query, args := "SELECT COUNT(*) FROM job_sessions", []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count job sessions: %w: %w", ErrUnavailable, err)
	}
	return count, nil
}

// ListAllJobSessionsForExport returns sessions of all users, newest first
func (s *SQLStore) ListAllJobSessionsForExport(ctx context.Context) ([]JobSessionWithDetails, error) {
	return s.ListJobSessions(ctx, "", 0, 0)
}

// Snapshot returns raw sessions in insertion order
func (s *SQLStore) Snapshot(ctx context.Context, userID string) ([]JobSession, error) {
	query, args := `SELECT id, user_id, job_type_id, duration_minutes, earnings, expenses, created_at FROM job_sessions`, []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id ASC"

	rows := []sessionRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query job sessions: %w: %w", ErrUnavailable, err)
	}
	res := make([]JobSession, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.session())
	}
	return res, nil
}

// UpsertUser inserts or updates user identity
func (s *SQLStore) UpsertUser(ctx context.Context, u User) (User, error) {
	ts := s.now().UnixMicro()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, first_name, last_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
			updated_at = excluded.updated_at`),
		u.ID, u.FirstName, u.LastName, ts, ts)
	if err != nil {
		return User{}, fmt.Errorf("failed to upsert user %s: %w: %w", u.ID, ErrUnavailable, err)
	}
	return u, nil
}

// User returns user by id
func (s *SQLStore) User(ctx context.Context, id string) (User, error) {
	var row struct {
		ID        string         `db:"id"`
		FirstName sql.NullString `db:"first_name"`
		LastName  sql.NullString `db:"last_name"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT id, first_name, last_name FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user %s: %w: %w", id, ErrUnavailable, err)
	}
	return User{ID: row.ID, FirstName: row.FirstName.String, LastName: row.LastName.String}, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
