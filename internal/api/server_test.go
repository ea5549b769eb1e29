package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywatch/internal/account"
	"paywatch/internal/db/dbtest"
	"paywatch/internal/domain"
	"paywatch/internal/entitlement"
	"paywatch/internal/gateway"
	"paywatch/internal/jobrecord"
	"paywatch/internal/queue"
)

type testEnv struct {
	ctx      context.Context
	handler  http.Handler
	accounts *account.SQLStore
	records  *jobrecord.SQLStore
	repo     *queue.SQLRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbtest.New(t)
	env := &testEnv{
		ctx:      context.Background(),
		accounts: account.NewSQLStore(db),
		records:  jobrecord.NewSQLStore(db),
		repo:     queue.NewSQLRepo(db),
	}
	gw := gateway.New(env.repo, gateway.Options{}, zerolog.Nop())
	coord := entitlement.NewCoordinator(entitlement.Deps{
		Users:    env.accounts,
		Payments: env.accounts,
		Records:  env.records,
		Queue:    gw,
	}, entitlement.Policy{Deadline: time.Hour, TickInterval: time.Minute}, zerolog.Nop())

	env.handler = NewServer(Deps{
		Users:     env.accounts,
		Payments:  env.accounts,
		Activator: coord,
		Records:   env.records,
		Jobs:      gw,
		Stats:     env.repo,
		Location:  time.FixedZone("EAT", 3*60*60),
		Log:       zerolog.Nop(),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) user(t *testing.T, telephone string) domain.User {
	t.Helper()
	u, err := e.accounts.CreateUser(e.ctx, "alice", telephone)
	require.NoError(t, err)
	return u
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"registers with normalized telephone", `{"username":"alice","telephone":"0712 345 678"}`, http.StatusCreated},
		{"telephone already registered", `{"username":"bob","telephone":"+254712345678"}`, http.StatusConflict},
		{"invalid telephone", `{"username":"carol","telephone":"12"}`, http.StatusBadRequest},
		{"missing username", `{"telephone":"0722000000"}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/users", tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	u, found, err := env.accounts.FindUserByTelephone(env.ctx, "+254712345678")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", u.Username)
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "+254712345678")

	rr := env.do(t, http.MethodGet, "/api/users/"+itoa(u.ID), "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[userResp](t, rr)
	assert.Equal(t, u.ID, got.ID)
	assert.False(t, got.Granted)
	assert.Nil(t, got.GrantedAt)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/users/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/users/abc", "").Code)
}

func TestReceiver(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "+254712345678")
	require.NoError(t, env.accounts.RecordPayment(env.ctx, domain.Payment{Code: "QDUP0001", Amount: "Ksh50.00"}))

	tests := []struct {
		name   string
		body   string
		code   int
		status int
		stored string
	}{
		{"empty body", ``, http.StatusUnauthorized, statusNoData, ""},
		{"empty object", `{}`, http.StatusUnauthorized, statusNoData, ""},
		{"malformed json", `{"phone":`, http.StatusUnauthorized, statusBadRequest, ""},
		{"missing phone", `{"id":"Q1","amount":"Ksh10.00"}`, http.StatusUnauthorized, statusMissingField, ""},
		{"missing code", `{"phone":"0712345678","amount":"Ksh10.00"}`, http.StatusUnauthorized, statusMissingField, ""},
		{"empty amount", `{"phone":"0712345678","id":"Q2","amount":""}`, http.StatusUnauthorized, statusMissingField, ""},
		{"sample sender is not stored", `{"sender":"Sample sender","phone":"0700000000","id":"QSAMPLE","amount":"Ksh10.00"}`, http.StatusOK, statusOK, ""},
		{"unknown payer", `{"sender":"X","phone":"0799999999","id":"Q3","amount":"Ksh10.00"}`, http.StatusUnauthorized, statusUnknownPayer, ""},
		{"duplicate code", `{"sender":"X","phone":"0712345678","id":"QDUP0001","amount":"Ksh10.00"}`, http.StatusUnauthorized, statusDuplicate, ""},
		{"absent amount counts as zero", `{"sender":"X","phone":"0712345678","id":"Q4"}`, http.StatusUnauthorized, statusNoAmount, ""},
		{"non numeric amount", `{"sender":"X","phone":"0712345678","id":"Q5","amount":"KshABC"}`, http.StatusUnauthorized, statusNoAmount, ""},
		{"below minimum", `{"sender":"X","phone":"0712345678","id":"Q6","amount":"Ksh4.99"}`, http.StatusUnauthorized, statusUnderMinimum, ""},
		{"bad date", `{"sender":"X","phone":"0712345678","id":"Q7","amount":"Ksh10.00","date":"yesterday"}`, http.StatusUnauthorized, statusBadRequest, ""},
		{"accepted", `{"sender":"JOHN DOE","phone":"254712345678","id":"QOK00001","amount":"Ksh1,000.00","date":1770708600000}`, http.StatusOK, statusOK, "QOK00001"},
		{"accepted with string date", `{"sender":"JOHN DOE","phone":"0712345678","id":"QOK00002","amount":"Ksh5.00","date":"0"}`, http.StatusOK, statusOK, "QOK00002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/receiver", tt.body)
			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.status, decode[message](t, rr).Status)
			if tt.stored != "" {
				_, found, err := env.accounts.GetPayment(env.ctx, tt.stored)
				require.NoError(t, err)
				assert.True(t, found)
			}
		})
	}

	_, found, err := env.accounts.GetPayment(env.ctx, "QSAMPLE")
	require.NoError(t, err)
	assert.False(t, found)

	p, _, err := env.accounts.GetPayment(env.ctx, "QOK00001")
	require.NoError(t, err)
	assert.Equal(t, "+254712345678", p.Source)
	assert.Equal(t, "Ksh1,000.00", p.Amount)
	assert.True(t, time.Date(2026, 2, 10, 7, 30, 0, 0, time.UTC).Equal(p.CreatedAt))
}

func TestActivate(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "+254712345678")
	require.NoError(t, env.accounts.RecordPayment(env.ctx, domain.Payment{Code: "QACT0001", Amount: "Ksh50.00"}))
	path := "/api/users/" + itoa(u.ID) + "/activate"

	tests := []struct {
		name    string
		path    string
		body    string
		code    int
		message string
	}{
		{"empty code", path, `{"code":"  "}`, http.StatusBadRequest, "No code received"},
		{"unknown code", path, `{"code":"NOPE"}`, http.StatusNotFound, "This is an invalid code"},
		{"unknown user", "/api/users/999/activate", `{"code":"QACT0001"}`, http.StatusNotFound, "This user doesn't exist"},
		{"activates", path, `{"code":"QACT0001"}`, http.StatusOK, "Payment confirmed"},
		{"code already used", path, `{"code":"QACT0001"}`, http.StatusConflict, "This code has already been used"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.message, decode[message](t, rr).Message)
		})
	}

	got := decode[userResp](t, env.do(t, http.MethodGet, "/api/users/"+itoa(u.ID), ""))
	assert.True(t, got.Granted)
	require.NotNil(t, got.GrantedAt)
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "+254712345678")
	require.NoError(t, env.accounts.RecordPayment(env.ctx, domain.Payment{Code: "QJOB0001", Amount: "Ksh50.00"}))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/users/"+itoa(u.ID)+"/activate", `{"code":"QJOB0001"}`).Code)

	rr := env.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]jobrecord.View](t, rr)
	require.Len(t, views, 1)
	assert.Equal(t, string(entitlement.VerifyTask), views[0].Name)
	assert.Equal(t, entitlement.RecordDescription, views[0].Description)
	assert.Equal(t, int64(60), views[0].Interval)
	assert.False(t, views[0].Cancelled)

	rr = env.do(t, http.MethodGet, "/api/jobs/"+views[0].ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	job := decode[jobResp](t, rr)
	assert.Equal(t, views[0].ID, job.ID)
	require.NotNil(t, job.Queue)
	assert.Equal(t, "scheduled", job.Queue.State)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/jobs/job_missing", "").Code)

	rr = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `paywatch_queue_jobs{state="scheduled"} 1`)
	assert.Contains(t, rr.Body.String(), `paywatch_queue_jobs{state="cancelled"} 0`)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"Ksh10.00", 10, true},
		{"Ksh1,000.00", 1000, true},
		{"250", 250, true},
		{"Ksh0.00", 0, false},
		{"Kshfive", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parsePrice(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
