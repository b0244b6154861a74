package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_PersistsSnapshot(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "store.json")
	ctx := t.Context()

	kv, err := NewFileKV(fname)
	require.NoError(t, err)
	s, err := NewKVStore(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, Seed(ctx, s))

	js, err := s.CreateJobSession(ctx, NewJobSession{JobTypeID: jobTypeID(t, s, "Trucking"), DurationMinutes: 120,
		Earnings: money("1000.00"), Expenses: money("200.00")}, "local")
	require.NoError(t, err)
	assert.Equal(t, int64(1), js.ID)

	// file holds the four entries
	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	entries := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 4)
	assert.JSONEq(t, "6", string(entries[KeyNextJobTypeID]))
	assert.JSONEq(t, "2", string(entries[KeyNextSessionID]))

	// reopen and continue the counters
	kv, err = NewFileKV(fname)
	require.NoError(t, err)
	s, err = NewKVStore(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, Seed(ctx, s))

	jobTypes, err := s.ListJobTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, jobTypes, 5)

	sessions, err := s.ListJobSessions(ctx, "local", 0, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Earnings.Equal(money("1000")))
	assert.Equal(t, "Trucking", sessions[0].JobType.Name)

	jt, err := s.CreateJobType(ctx, "Mining")
	require.NoError(t, err)
	assert.Equal(t, int64(6), jt.ID)
	next, err := s.CreateJobSession(ctx, NewJobSession{JobTypeID: jt.ID, DurationMinutes: 1, Earnings: money("1"),
		Expenses: decimal.Zero}, "local")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID)
}

func TestKVStore_LoadsStringCounters(t *testing.T) {
	kv := NewMemoryKV()
	ctx := t.Context()
	require.NoError(t, kv.Set(ctx, map[string][]byte{
		KeyJobTypes:      []byte(`[{"id":1,"name":"Trucking","createdAt":"2025-01-01T00:00:00Z"}]`),
		KeyJobSessions:   []byte(`[{"id":3,"jobTypeId":1,"durationMinutes":60,"earnings":"100.00","expenses":"0","createdAt":"2025-01-02T00:00:00Z"}]`),
		KeyNextJobTypeID: []byte(`"7"`),
		KeyNextSessionID: []byte(`"2"`),
	}))

	s, err := NewKVStore(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.state.nextJobTypeID)
	assert.Equal(t, int64(4), s.state.nextSessionID, "counter never behind stored ids")

	sessions, err := s.ListJobSessions(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Earnings.Equal(money("100")))
}

func TestKVStore_DropsOrphanSessions(t *testing.T) {
	kv := NewMemoryKV()
	ctx := t.Context()
	require.NoError(t, kv.Set(ctx, map[string][]byte{
		KeyJobTypes: []byte(`[{"id":1,"name":"Trucking","createdAt":"2025-01-01T00:00:00Z"}]`),
		KeyJobSessions: []byte(`[
			{"id":1,"jobTypeId":1,"durationMinutes":60,"earnings":"100","expenses":"0","createdAt":"2025-01-02T00:00:00Z"},
			{"id":2,"jobTypeId":42,"durationMinutes":60,"earnings":"100","expenses":"0","createdAt":"2025-01-03T00:00:00Z"}]`),
	}))

	s, err := NewKVStore(ctx, kv)
	require.NoError(t, err)
	sessions, err := s.ListJobSessions(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].ID)
}

func TestKVStore_FailedWriteKeepsState(t *testing.T) {
	kv := &brokenKV{MemoryKV: NewMemoryKV()}
	ctx := t.Context()
	s, err := NewKVStore(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, Seed(ctx, s))

	kv.failSet = true
	_, err = s.CreateJobType(ctx, "Mining")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = s.CreateJobSession(ctx, NewJobSession{JobTypeID: 1, DurationMinutes: 1, Earnings: money("1")}, "local")
	require.ErrorIs(t, err, ErrUnavailable)

	jobTypes, err := s.ListJobTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, jobTypes, 5)
	count, err := s.CountJobSessions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	kv.failSet = false
	jt, err := s.CreateJobType(ctx, "Mining")
	require.NoError(t, err)
	assert.Equal(t, int64(6), jt.ID, "failed write did not consume an id")
}

func TestKVStore_ReadError(t *testing.T) {
	kv := &brokenKV{MemoryKV: NewMemoryKV(), failGet: true}
	_, err := NewKVStore(t.Context(), kv)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFileKV(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "nested", "kv.json")
	kv, err := NewFileKV(fname)
	require.NoError(t, err)
	ctx := t.Context()

	_, err = kv.Get(ctx, "k1")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, kv.Set(ctx, map[string][]byte{"k1": []byte(`[1,2]`), "k2": []byte(`"v"`)}))
	require.NoError(t, kv.Set(ctx, map[string][]byte{"k2": []byte(`"v2"`)}))

	v, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(v))
	v, err = kv.Get(ctx, "k2")
	require.NoError(t, err)
	assert.JSONEq(t, `"v2"`, string(v))

	err = kv.Set(ctx, map[string][]byte{"k3": []byte(`not json`)})
	require.Error(t, err)

	// no temp files left behind
	files, err := os.ReadDir(filepath.Dir(fname))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, os.WriteFile(fname, []byte("garbage"), 0o600))
	_, err = kv.Get(ctx, "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")
}

type brokenKV struct {
	*MemoryKV
	failGet, failSet bool
}

func (b *brokenKV) Get(ctx context.Context, key string) ([]byte, error) {
	if b.failGet {
		return nil, errors.New("read failed")
	}
	return b.MemoryKV.Get(ctx, key)
}

func (b *brokenKV) Set(ctx context.Context, entries map[string][]byte) error {
	if b.failSet {
		return errors.New("write failed")
	}
	return b.MemoryKV.Set(ctx, entries)
}
