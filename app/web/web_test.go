package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/jobstats/app/service"
	"github.com/umputun/jobstats/app/stats"
	"github.com/umputun/jobstats/app/store"
)

const testSecret = "test-secret"

func newKVServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	st, err := store.NewKVStore(t.Context(), store.NewMemoryKV())
	require.NoError(t, err)
	return startServer(t, st, cfg)
}

func newSQLServer(t *testing.T, cfg Config) (*httptest.Server, *store.SQLStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return startServer(t, st, cfg), st
}

func startServer(t *testing.T, st store.Store, cfg Config) *httptest.Server {
	t.Helper()
	ledger := service.NewLedger(st)
	require.NoError(t, ledger.Init(t.Context()))
	cfg.Ledger = ledger
	cfg.Version = "test"
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func makeToken(t *testing.T, secret, sub, first, last string, exp time.Time) string {
	t.Helper()
	claims := Claims{FirstName: first, LastName: last, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

type client struct {
	t     *testing.T
	ts    *httptest.Server
	token string
}

func (c client) do(method, path, body string) (int, []byte) {
	c.t.Helper()
	var rdr io.Reader = http.NoBody
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.t.Context(), method, c.ts.URL+path, rdr)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.ts.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c client) decode(method, path, body string, wantStatus int, dest any) {
	c.t.Helper()
	status, data := c.do(method, path, body)
	require.Equal(c.t, wantStatus, status, string(data))
	if dest != nil {
		require.NoError(c.t, json.Unmarshal(data, dest), string(data))
	}
}

func TestNew(t *testing.T) {
	st, err := store.NewKVStore(t.Context(), store.NewMemoryKV())
	require.NoError(t, err)
	ledger := service.NewLedger(st)

	_, err = New(Config{SingleUser: store.User{ID: "local"}})
	require.Error(t, err)

	_, err = New(Config{Ledger: ledger})
	require.Error(t, err, "single user required without auth")

	srv, err := New(Config{Ledger: ledger, AuthSecret: testSecret})
	require.NoError(t, err)
	assert.True(t, srv.multiUser())
	assert.InDelta(t, 10.0, srv.writeLimit, 0.001)

	srv, err = New(Config{Ledger: ledger, SingleUser: store.User{ID: "local"}, WriteLimit: 2})
	require.NoError(t, err)
	assert.False(t, srv.multiUser())
	assert.InDelta(t, 2.0, srv.writeLimit, 0.001)
}

func TestServer_SingleUser(t *testing.T) {
	ts := newKVServer(t, Config{SingleUser: store.User{ID: "local"}})
	c := client{t: t, ts: ts}

	var jobTypes []store.JobType
	c.decode("GET", "/api/job-types", "", http.StatusOK, &jobTypes)
	require.Len(t, jobTypes, 5)
	var trucking store.JobType
	for _, jt := range jobTypes {
		if jt.Name == "Trucking" {
			trucking = jt
		}
	}
	require.NotZero(t, trucking.ID)

	t.Run("create job type", func(t *testing.T) {
		var jt store.JobType
		c.decode("POST", "/api/job-types", `{"name":"Mining"}`, http.StatusOK, &jt)
		assert.Equal(t, "Mining", jt.Name)

		var errResp map[string]string
		c.decode("POST", "/api/job-types", `{"name":"Mining"}`, http.StatusConflict, &errResp)
		assert.Contains(t, errResp["error"], "already exists")

		var verr struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		c.decode("POST", "/api/job-types", `{"name":""}`, http.StatusBadRequest, &verr)
		assert.Equal(t, "invalid data", verr.Error)
		assert.Equal(t, "must not be empty", verr.Fields["name"])

		status, _ := c.do("POST", "/api/job-types", `{bad json`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("log sessions", func(t *testing.T) {
		var js store.JobSession
		c.decode("POST", "/api/job-sessions",
			`{"jobTypeId":`+jsonInt(trucking.ID)+`,"durationMinutes":120,"earnings":"1000.00","expenses":"200.00"}`,
			http.StatusOK, &js)
		assert.Equal(t, "local", js.UserID)
		assert.True(t, js.Earnings.Equal(decimal.NewFromInt(1000)))

		c.decode("POST", "/api/job-sessions",
			`{"jobTypeId":`+jsonInt(trucking.ID)+`,"durationMinutes":30,"earnings":50}`, http.StatusOK, nil)

		var verr struct {
			Fields map[string]string `json:"fields"`
		}
		c.decode("POST", "/api/job-sessions", `{"jobTypeId":1,"durationMinutes":0,"earnings":"-5"}`,
			http.StatusBadRequest, &verr)
		assert.Len(t, verr.Fields, 2)
		assert.Contains(t, verr.Fields, "durationMinutes")
		assert.Contains(t, verr.Fields, "earnings")

		c.decode("POST", "/api/job-sessions", `{"jobTypeId":999,"durationMinutes":10,"earnings":"1"}`,
			http.StatusNotFound, nil)
	})

	t.Run("history", func(t *testing.T) {
		var page service.HistoryPage
		c.decode("GET", "/api/job-sessions?page=1&limit=1", "", http.StatusOK, &page)
		require.Len(t, page.Sessions, 1)
		assert.Equal(t, stats.Pagination{Page: 1, Limit: 1, Total: 2, TotalPages: 2}, page.Pagination)
		assert.Equal(t, "Trucking", page.Sessions[0].JobType.Name)
		assert.Nil(t, page.Sessions[0].User)

		c.decode("GET", "/api/job-sessions?page=abc", "", http.StatusOK, &page)
		assert.Equal(t, stats.Pagination{Page: 1, Limit: 20, Total: 2, TotalPages: 1}, page.Pagination)
		assert.Len(t, page.Sessions, 2)
	})

	t.Run("analytics", func(t *testing.T) {
		var prof []stats.JobProfitability
		c.decode("GET", "/api/analytics/profitability", "", http.StatusOK, &prof)
		require.Len(t, prof, 1)
		assert.Equal(t, "Trucking", prof[0].JobType.Name)
		assert.Equal(t, int64(340), prof[0].AverageHourlyRate) // 850 net over 2.5h
		assert.InDelta(t, 2.5, prof[0].TotalHours, 0.0001)

		var us stats.UserStats
		c.decode("GET", "/api/analytics/user-stats", "", http.StatusOK, &us)
		assert.Equal(t, int64(400), us.BestHourlyRate)
		assert.Equal(t, 2, us.JobsCompleted)
		assert.True(t, us.TotalEarned.Equal(decimal.NewFromInt(1050)))
	})

	t.Run("export", func(t *testing.T) {
		req, err := http.NewRequestWithContext(t.Context(), "GET", ts.URL+"/api/export/csv", http.NoBody)
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
		assert.Equal(t, `attachment; filename="fivem-job-sessions.csv"`, resp.Header.Get("Content-Disposition"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		lines := strings.Split(string(body), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "Date,Job Type,Duration (min),Earnings,Expenses,Net Profit,Hourly Rate", lines[0])
		assert.Contains(t, string(body), `,"Trucking",120,1000.00,200.00,800,400.00`)
	})

	t.Run("current user", func(t *testing.T) {
		var u store.User
		c.decode("GET", "/api/auth/user", "", http.StatusOK, &u)
		assert.Equal(t, store.User{ID: "local"}, u)
	})
}

func TestServer_MultiUser(t *testing.T) {
	ts, _ := newSQLServer(t, Config{AuthSecret: testSecret})
	john := client{t: t, ts: ts, token: makeToken(t, testSecret, "u1", "John", "Smith", time.Now().Add(time.Hour))}

	t.Run("rejects missing and invalid tokens", func(t *testing.T) {
		tbl := []struct {
			name  string
			token string
		}{
			{"no token", ""},
			{"garbage", "not-a-token"},
			{"wrong secret", makeToken(t, "other", "u1", "", "", time.Now().Add(time.Hour))},
			{"expired", makeToken(t, testSecret, "u1", "", "", time.Now().Add(-time.Hour))},
			{"no subject", makeToken(t, testSecret, "", "John", "", time.Now().Add(time.Hour))},
		}
		for _, tt := range tbl {
			t.Run(tt.name, func(t *testing.T) {
				status, body := client{t: t, ts: ts, token: tt.token}.do("GET", "/api/job-types", "")
				assert.Equal(t, http.StatusUnauthorized, status)
				assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))
			})
		}
	})

	var u store.User
	john.decode("GET", "/api/auth/user", "", http.StatusOK, &u)
	assert.Equal(t, store.User{ID: "u1", FirstName: "John", LastName: "Smith"}, u)

	var jobTypes []store.JobType
	john.decode("GET", "/api/job-types", "", http.StatusOK, &jobTypes)
	require.NotEmpty(t, jobTypes)
	jobTypeID := jsonInt(jobTypes[0].ID)

	john.decode("POST", "/api/job-sessions", `{"jobTypeId":`+jobTypeID+`,"durationMinutes":60,"earnings":"100"}`,
		http.StatusOK, nil)

	// second user authenticates with the cookie
	req, err := http.NewRequestWithContext(t.Context(), "POST", ts.URL+"/api/job-sessions",
		strings.NewReader(`{"jobTypeId":`+jobTypeID+`,"durationMinutes":30,"earnings":"10","expenses":"5"}`))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "token", Value: makeToken(t, testSecret, "u2", "Cher", "", time.Now().Add(time.Hour))})
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page service.HistoryPage
	john.decode("GET", "/api/job-sessions", "", http.StatusOK, &page)
	require.Len(t, page.Sessions, 1, "history is per user")
	require.NotNil(t, page.Sessions[0].User)
	assert.Equal(t, "John", page.Sessions[0].User.FirstName)

	var prof []stats.JobProfitability
	john.decode("GET", "/api/analytics/profitability", "", http.StatusOK, &prof)
	require.Len(t, prof, 1)
	assert.Equal(t, 2, prof[0].TotalSessions, "profitability covers all users")

	status, body := john.do("GET", "/api/export/csv", "")
	require.Equal(t, http.StatusOK, status)
	lines := strings.Split(string(body), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Date,Job Type,User,Duration (min),Earnings,Expenses,Net Profit,Hourly Rate", lines[0])
	assert.Contains(t, string(body), `"John Smith",60,100.00,0.00,100,100.00`)
	assert.Contains(t, string(body), `"Cher",30,10.00,5.00,5,10.00`)
}

func TestServer_StorageUnavailable(t *testing.T) {
	ts, st := newSQLServer(t, Config{SingleUser: store.User{ID: "local"}})
	require.NoError(t, st.Close())
	c := client{t: t, ts: ts}

	var errResp map[string]string
	c.decode("GET", "/api/job-types", "", http.StatusServiceUnavailable, &errResp)
	assert.Equal(t, "failed to fetch job types, storage unavailable", errResp["error"])

	c.decode("GET", "/api/export/csv", "", http.StatusServiceUnavailable, &errResp)
	assert.Equal(t, "failed to generate csv export, storage unavailable", errResp["error"])
}

func TestServer_WriteRateLimit(t *testing.T) {
	ts := newKVServer(t, Config{SingleUser: store.User{ID: "local"}, WriteLimit: 1})
	c := client{t: t, ts: ts}

	limited := 0
	for range 5 {
		if status, _ := c.do("POST", "/api/job-types", `{"name":""}`); status == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)

	for range 5 { // reads are not limited
		status, _ := c.do("GET", "/api/job-types", "")
		assert.Equal(t, http.StatusOK, status)
	}
}

func TestServer_Ping(t *testing.T) {
	ts := newKVServer(t, Config{SingleUser: store.User{ID: "local"}})
	status, body := client{t: t, ts: ts}.do("GET", "/ping", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pong", string(body))
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
