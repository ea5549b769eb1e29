package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"paywatch/internal/account"
	"paywatch/internal/domain"
	"paywatch/internal/jobrecord"
	"paywatch/internal/queue"
)

type Users interface {
	CreateUser(ctx context.Context, username, telephone string) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, bool, error)
	FindUserByTelephone(ctx context.Context, telephone string) (domain.User, bool, error)
}

type Payments interface {
	RecordPayment(ctx context.Context, p domain.Payment) error
	GetPayment(ctx context.Context, code string) (domain.Payment, bool, error)
}

type Activator interface {
	Activate(ctx context.Context, userID int64, paymentCode string) error
}

type Records interface {
	Get(ctx context.Context, id domain.JobID) (domain.JobRecord, bool, error)
	ListAll(ctx context.Context) ([]domain.JobRecord, error)
}

type Jobs interface {
	Fetch(ctx context.Context, id domain.JobID) (domain.JobHandle, bool, error)
}

type QueueStats interface {
	CountByState(ctx context.Context) (map[queue.State]int, error)
}

// Deps wires the server to the rest of the service. Location is the zone
// times are displayed in.
type Deps struct {
	Users     Users
	Payments  Payments
	Activator Activator
	Records   Records
	Jobs      Jobs
	Stats     QueueStats
	Location  *time.Location
	Log       zerolog.Logger
}

type Server struct {
	r    *chi.Mux
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

func NewServer(deps Deps) http.Handler {
	return NewServerWithDebug(deps, false)
}

func NewServerWithDebug(deps Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if deps.Location == nil {
		deps.Location = time.UTC
	}
	s := &Server{
		r:    r,
		deps: deps,
		log:  deps.Log.With().Str("component", "api").Logger(),
		now:  time.Now,
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	// Payment provider callback.
	r.HandleFunc("/receiver", s.receiver)

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", s.createUser)
		r.Get("/users/{userID}", s.getUser)
		r.Post("/users/{userID}/activate", s.activate)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

var metricStates = []queue.State{
	queue.StateScheduled,
	queue.StateRunning,
	queue.StateFinished,
	queue.StateFailed,
	queue.StateCancelled,
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Stats.CountByState(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("count queue jobs")
		http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	b.WriteString("paywatch_up 1\n")
	for _, st := range metricStates {
		fmt.Fprintf(&b, "paywatch_queue_jobs{state=%q} %d\n", st, counts[st])
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type message struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type createUserReq struct {
	Username  string `json:"username"`
	Telephone string `json:"telephone"`
}

type userResp struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Telephone string     `json:"telephone"`
	Granted   bool       `json:"granted"`
	GrantedAt *time.Time `json:"granted_at,omitempty"`
}

func (s *Server) toUserResp(u domain.User) userResp {
	resp := userResp{ID: u.ID, Username: u.Username, Telephone: u.Telephone, Granted: u.Granted}
	if u.GrantedAt != nil {
		at := u.GrantedAt.In(s.deps.Location)
		resp.GrantedAt = &at
	}
	return resp
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, message{Message: "Invalid request body", Status: -1})
		return
	}
	phone, err := account.NormalizeTelephone(req.Telephone)
	if err != nil || strings.TrimSpace(req.Username) == "" {
		writeJSON(w, http.StatusBadRequest, message{Message: "A username and a valid telephone are required", Status: -1})
		return
	}

	u, err := s.deps.Users.CreateUser(r.Context(), req.Username, phone)
	switch {
	case errors.Is(err, domain.ErrUserExists):
		writeJSON(w, http.StatusConflict, message{Message: "This telephone is already registered", Status: -1})
		return
	case err != nil:
		s.log.Error().Err(err).Msg("create user")
		writeJSON(w, http.StatusInternalServerError, message{Message: "Unable to create user", Status: -1})
		return
	}
	writeJSON(w, http.StatusCreated, s.toUserResp(u))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	u, found, err := s.deps.Users.GetUser(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", id).Msg("get user")
		writeJSON(w, http.StatusInternalServerError, message{Message: "Unable to load user", Status: -1})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, message{Message: "This user doesn't exist", Status: -1})
		return
	}
	writeJSON(w, http.StatusOK, s.toUserResp(u))
}

type activateReq struct {
	Code string `json:"code"`
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req activateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, message{Message: "Invalid request body", Status: -1})
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeJSON(w, http.StatusBadRequest, message{Message: "No code received", Status: -1})
		return
	}

	err := s.deps.Activator.Activate(r.Context(), id, code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, message{Message: "Payment confirmed", Status: 0})
	case errors.Is(err, domain.ErrPaymentNotFound):
		writeJSON(w, http.StatusNotFound, message{Message: "This is an invalid code", Status: -1})
	case errors.Is(err, domain.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, message{Message: "This user doesn't exist", Status: -1})
	case errors.Is(err, domain.ErrPaymentAlreadyLinked):
		writeJSON(w, http.StatusConflict, message{Message: "This code has already been used", Status: -1})
	default:
		s.log.Error().Err(err).Int64("user_id", id).Str("payment_code", code).Msg("activation failed")
		writeJSON(w, http.StatusInternalServerError, message{Message: "Unable to check payment", Status: -1})
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Records.ListAll(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list job records")
		writeJSON(w, http.StatusInternalServerError, message{Message: "Unable to list jobs", Status: -1})
		return
	}
	writeJSON(w, http.StatusOK, jobrecord.Describe(recs, s.deps.Location))
}

type queueView struct {
	State      string    `json:"state"`
	NextFireAt time.Time `json:"next_fire_at"`
	Attempts   int       `json:"attempts"`
}

type jobResp struct {
	jobrecord.View
	Queue *queueView `json:"queue"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	rec, found, err := s.deps.Records.Get(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", string(id)).Msg("get job record")
		writeJSON(w, http.StatusInternalServerError, message{Message: "Unable to load job", Status: -1})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, message{Message: "not found", Status: -1})
		return
	}

	resp := jobResp{View: jobrecord.Describe([]domain.JobRecord{rec}, s.deps.Location)[0]}
	h, found, err := s.deps.Jobs.Fetch(r.Context(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", string(id)).Msg("fetch queue job")
	} else if found {
		resp.Queue = &queueView{
			State:      h.State,
			NextFireAt: h.NextFireAt.In(s.deps.Location),
			Attempts:   h.Attempts,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, message{Message: "invalid user id", Status: -1})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
