package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// keys of the four persisted entries
const (
	KeyJobTypes      = "fivem_job_types"
	KeyJobSessions   = "fivem_job_sessions"
	KeyNextJobTypeID = "fivem_next_job_type_id"
	KeyNextSessionID = "fivem_next_session_id"
)

// ErrKeyNotFound returned by KV.Get for missing keys
var ErrKeyNotFound = errors.New("key not found")

// KV is a key-value medium for KVStore. Set must write all entries or none.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, entries map[string][]byte) error
	Close() error
}

// KVStore implements Store for a single user, keeping the whole state in memory
// and writing a full snapshot to KV on every mutation
type KVStore struct {
	kv  KV
	now func() time.Time

	mu    sync.RWMutex
	state kvState
}

type kvState struct {
	jobTypes      []JobType
	sessions      []JobSession
	nextJobTypeID int64
	nextSessionID int64
}

// NewKVStore loads state from kv, missing entries start empty with counters at 1
func NewKVStore(ctx context.Context, kv KV) (*KVStore, error) {
	s := &KVStore{kv: kv, now: time.Now}
	st := kvState{jobTypes: []JobType{}, sessions: []JobSession{}}

	if err := s.load(ctx, KeyJobTypes, &st.jobTypes); err != nil {
		return nil, err
	}
	if err := s.load(ctx, KeyJobSessions, &st.sessions); err != nil {
		return nil, err
	}
	if err := s.loadCounter(ctx, KeyNextJobTypeID, &st.nextJobTypeID); err != nil {
		return nil, err
	}
	if err := s.loadCounter(ctx, KeyNextSessionID, &st.nextSessionID); err != nil {
		return nil, err
	}

	// counter never behind stored ids, even if its entry was lost
	for _, jt := range st.jobTypes {
		st.nextJobTypeID = max(st.nextJobTypeID, jt.ID+1)
	}
	for _, js := range st.sessions {
		st.nextSessionID = max(st.nextSessionID, js.ID+1)
	}
	st.nextJobTypeID, st.nextSessionID = max(st.nextJobTypeID, 1), max(st.nextSessionID, 1)

	s.state = st
	log.Printf("[DEBUG] loaded %d job types and %d sessions", len(st.jobTypes), len(st.sessions))
	return s, nil
}

func (s *KVStore) load(ctx context.Context, key string, dest any) error {
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w: %w", key, ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) loadCounter(ctx context.Context, key string, dest *int64) error {
	var raw json.RawMessage
	if err := s.load(ctx, key, &raw); err != nil || raw == nil {
		return err
	}
	// counters may be stored as json numbers or as numeric strings
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", key, err)
		}
		*dest = n
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// commit persists st as a full snapshot and makes it current. Caller holds the write lock.
func (s *KVStore) commit(ctx context.Context, st kvState) error {
	entries := make(map[string][]byte, 4)
	for key, val := range map[string]any{
		KeyJobTypes:      st.jobTypes,
		KeyJobSessions:   st.sessions,
		KeyNextJobTypeID: st.nextJobTypeID,
		KeyNextSessionID: st.nextSessionID,
	} {
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		entries[key] = data
	}
	if err := s.kv.Set(ctx, entries); err != nil {
		return fmt.Errorf("failed to write snapshot: %w: %w", ErrUnavailable, err)
	}
	s.state = st
	return nil
}

// CreateJobType adds a job type, returns ErrConflict if the name is taken
func (s *KVStore) CreateJobType(ctx context.Context, name string) (JobType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.state.jobTypes, func(jt JobType) bool { return jt.Name == name }) {
		return JobType{}, fmt.Errorf("job type %q: %w", name, ErrConflict)
	}

	jt := JobType{ID: s.state.nextJobTypeID, Name: name, CreatedAt: s.now().UTC()}
	st := s.state
	st.jobTypes = append(slices.Clip(st.jobTypes), jt)
	st.nextJobTypeID++
	if err := s.commit(ctx, st); err != nil {
		return JobType{}, err
	}
	log.Printf("[DEBUG] created job type %d %q", jt.ID, jt.Name)
	return jt, nil
}

// JobTypeByName returns job type with exact name match
func (s *KVStore) JobTypeByName(_ context.Context, name string) (JobType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, jt := range s.state.jobTypes {
		if jt.Name == name {
			return jt, nil
		}
	}
	return JobType{}, fmt.Errorf("job type %q: %w", name, ErrNotFound)
}

// JobTypeByID returns job type by id
func (s *KVStore) JobTypeByID(_ context.Context, id int64) (JobType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if jt, ok := s.jobTypesByID()[id]; ok {
		return jt, nil
	}
	return JobType{}, fmt.Errorf("job type %d: %w", id, ErrNotFound)
}

// ListJobTypes returns all job types sorted by name
func (s *KVStore) ListJobTypes(_ context.Context) ([]JobType, error) {
	s.mu.RLock()
	res := slices.Clone(s.state.jobTypes)
	s.mu.RUnlock()
	slices.SortStableFunc(res, func(a, b JobType) int { return cmp.Compare(a.Name, b.Name) })
	return res, nil
}

// CreateJobSession adds a session owned by userID
func (s *KVStore) CreateJobSession(ctx context.Context, js NewJobSession, userID string) (JobSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := JobSession{
		ID:              s.state.nextSessionID,
		UserID:          userID,
		JobTypeID:       js.JobTypeID,
		DurationMinutes: js.DurationMinutes,
		Earnings:        js.Earnings,
		Expenses:        js.Expenses,
		CreatedAt:       s.now().UTC(),
	}
	st := s.state
	st.sessions = append(slices.Clip(st.sessions), sess)
	st.nextSessionID++
	if err := s.commit(ctx, st); err != nil {
		return JobSession{}, err
	}
	return sess, nil
}

// ListJobSessions returns sessions newest first, offset is applied with positive limit only
func (s *KVStore) ListJobSessions(_ context.Context, userID string, limit, offset int) ([]JobSessionWithDetails, error) {
	s.mu.RLock()
	res := s.details(userID)
	s.mu.RUnlock()

	if limit <= 0 {
		return res, nil
	}
	offset = min(max(offset, 0), len(res))
	return res[offset:min(offset+limit, len(res))], nil
}

// CountJobSessions returns number of sessions, for a single user if userID set
func (s *KVStore) CountJobSessions(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if userID == "" {
		return len(s.state.sessions), nil
	}
	count := 0
	for _, js := range s.state.sessions {
		if js.UserID == userID {
			count++
		}
	}
	return count, nil
}

// ListAllJobSessionsForExport returns all sessions, newest first
func (s *KVStore) ListAllJobSessionsForExport(ctx context.Context) ([]JobSessionWithDetails, error) {
	return s.ListJobSessions(ctx, "", 0, 0)
}

// Snapshot returns raw sessions in insertion order
func (s *KVStore) Snapshot(_ context.Context, userID string) ([]JobSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]JobSession, 0, len(s.state.sessions))
	for _, js := range s.state.sessions {
		if userID == "" || js.UserID == userID {
			res = append(res, js)
		}
	}
	return res, nil
}

// details joins sessions with job types and sorts them newest first, ties by id.
// Sessions without a job type are dropped. Caller holds the read lock.
func (s *KVStore) details(userID string) []JobSessionWithDetails {
	jobTypes := s.jobTypesByID()
	res := make([]JobSessionWithDetails, 0, len(s.state.sessions))
	for _, js := range s.state.sessions {
		if userID != "" && js.UserID != userID {
			continue
		}
		jt, ok := jobTypes[js.JobTypeID]
		if !ok {
			continue
		}
		res = append(res, JobSessionWithDetails{JobSession: js, JobType: jt})
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (s *KVStore) jobTypesByID() map[int64]JobType {
	res := make(map[int64]JobType, len(s.state.jobTypes))
	for _, jt := range s.state.jobTypes {
		res[jt.ID] = jt
	}
	return res
}

// Close closes the underlying medium
func (s *KVStore) Close() error {
	return s.kv.Close()
}

// MemoryKV is an ephemeral KV, state is lost with the process
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryKV makes an empty MemoryKV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string][]byte{}}
}

// Get returns a copy of the value stored under key
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

// Set stores all entries
func (m *MemoryKV) Set(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.data[k] = slices.Clone(v)
	}
	return nil
}

// Close does nothing
func (m *MemoryKV) Close() error { return nil }
