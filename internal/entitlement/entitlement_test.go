package entitlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywatch/internal/account"
	"paywatch/internal/db/dbtest"
	"paywatch/internal/domain"
	"paywatch/internal/events"
	"paywatch/internal/gateway"
	"paywatch/internal/jobrecord"
	"paywatch/internal/queue"
	"paywatch/internal/worker"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyQueue lets tests make the gateway fail on demand.
type flakyQueue struct {
	*gateway.Gateway
	scheduleErr error
	cancelErr   error
	cancels     int
	cancelled   []domain.JobID
}

func (q *flakyQueue) Schedule(ctx context.Context, fireAt time.Time, interval time.Duration, task domain.TaskName, args any) (domain.JobID, error) {
	if q.scheduleErr != nil {
		return "", &domain.ScheduleError{Task: task, Err: q.scheduleErr}
	}
	return q.Gateway.Schedule(ctx, fireAt, interval, task, args)
}

func (q *flakyQueue) Cancel(ctx context.Context, ref domain.JobRef) error {
	q.cancels++
	q.cancelled = append(q.cancelled, ref.RefID())
	if q.cancelErr != nil {
		return &domain.CancelError{ID: ref.RefID(), Err: q.cancelErr}
	}
	return q.Gateway.Cancel(ctx, ref)
}

// flakyRecords lets tests make marking a record cancelled fail.
type flakyRecords struct {
	*jobrecord.SQLStore
	markErr error
}

func (r *flakyRecords) MarkCancelled(ctx context.Context, id domain.JobID) error {
	if r.markErr != nil {
		return domain.NewStorageError("mark job record cancelled", r.markErr)
	}
	return r.SQLStore.MarkCancelled(ctx, id)
}

type harness struct {
	ctx      context.Context
	t0       time.Time
	clock    *clock
	accounts *account.SQLStore
	records  *jobrecord.SQLStore
	flaky    *flakyRecords
	repo     queue.Repository
	queue    *flakyQueue
	events   *recorder
	policy   Policy
	coord    *Coordinator
	verifier *Verifier
	logs     *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.New(t)
	t0 := time.Now().UTC().Truncate(time.Second)

	h := &harness{
		ctx:      context.Background(),
		t0:       t0,
		clock:    &clock{t: t0},
		accounts: account.NewSQLStore(db),
		records:  jobrecord.NewSQLStore(db),
		repo:     queue.NewSQLRepo(db),
		events:   &recorder{},
		logs:     &bytes.Buffer{},
		policy: Policy{
			Deadline:     time.Minute,
			TickInterval: 10 * time.Second,
			Location:     time.FixedZone("EAT", 3*60*60),
		},
	}
	h.queue = &flakyQueue{Gateway: gateway.New(h.repo, gateway.Options{}, zerolog.Nop())}
	h.flaky = &flakyRecords{SQLStore: h.records}

	deps := Deps{
		Users:    h.accounts,
		Payments: h.accounts,
		Records:  h.flaky,
		Queue:    h.queue,
		Events:   h.events,
		Now:      h.clock.Now,
	}
	h.coord = NewCoordinator(deps, h.policy, zerolog.Nop())
	h.verifier = NewVerifier(deps, h.policy, zerolog.New(h.logs))
	return h
}

// seed registers a user and an unlinked payment made by them.
func (h *harness) seed(t *testing.T, telephone, code string) domain.User {
	t.Helper()
	u, err := h.accounts.CreateUser(h.ctx, "user-"+telephone, telephone)
	require.NoError(t, err)
	require.NoError(t, h.accounts.RecordPayment(h.ctx, domain.Payment{
		Code:   code,
		Sender: "JOHN DOE",
		Amount: "Ksh10.00",
		Source: telephone,
	}))
	return u
}

func (h *harness) user(t *testing.T, id int64) domain.User {
	t.Helper()
	u, found, err := h.accounts.GetUser(h.ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	return u
}

func (h *harness) payment(t *testing.T, code string) domain.Payment {
	t.Helper()
	p, found, err := h.accounts.GetPayment(h.ctx, code)
	require.NoError(t, err)
	require.True(t, found)
	return p
}

func (h *harness) record(t *testing.T, id domain.JobID) domain.JobRecord {
	t.Helper()
	rec, found, err := h.records.Get(h.ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	return rec
}

func (h *harness) jobState(t *testing.T, id domain.JobID) queue.State {
	t.Helper()
	j, err := h.repo.Get(h.ctx, string(id))
	require.NoError(t, err)
	return j.State
}

func (h *harness) activate(t *testing.T, telephone, code string) (domain.User, domain.JobID) {
	t.Helper()
	u := h.seed(t, telephone, code)
	require.NoError(t, h.coord.Activate(h.ctx, u.ID, code))
	return u, h.payment(t, code).LinkedJobID
}

func TestPolicy(t *testing.T) {
	p := Policy{Deadline: time.Hour, Location: time.FixedZone("EAT", 3*60*60)}
	granted := time.Date(2026, 2, 10, 7, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		now     time.Time
		elapsed time.Duration
		expired bool
	}{
		{"just granted", granted, 0, false},
		{"one second short", granted.Add(time.Hour - time.Second), time.Hour - time.Second, false},
		{"exactly at deadline", granted.Add(time.Hour), time.Hour, true},
		{"past deadline", granted.Add(2 * time.Hour), 2 * time.Hour, true},
		{"now given in another zone", granted.Add(time.Hour).In(time.FixedZone("CET", 60*60)), time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.elapsed, p.Elapsed(granted, tt.now))
			assert.Equal(t, tt.expired, p.Expired(granted, tt.now))
		})
	}
}

func TestCoordinator_Activate(t *testing.T) {
	h := newHarness(t)

	u, jobID := h.activate(t, "254700000001", "QAB12CD34")
	require.NotEmpty(t, jobID)

	got := h.user(t, u.ID)
	assert.True(t, got.Granted)
	require.NotNil(t, got.GrantedAt)
	assert.True(t, h.t0.Equal(*got.GrantedAt))

	rec := h.record(t, jobID)
	assert.Equal(t, VerifyTask, rec.Name)
	assert.Equal(t, RecordDescription, rec.Description)
	assert.Equal(t, int64(10), rec.IntervalSeconds)
	assert.True(t, h.t0.Equal(rec.FirstFireAt))
	assert.False(t, rec.Cancelled)

	j, err := h.repo.Get(h.ctx, string(jobID))
	require.NoError(t, err)
	assert.Equal(t, string(VerifyTask), j.Task)
	assert.Equal(t, queue.StateScheduled, j.State)
	assert.Equal(t, int64(10), j.IntervalSeconds)
	assert.True(t, h.t0.Equal(j.NextRunAt))
	assert.JSONEq(t, fmt.Sprintf(`{"user_id":%d,"payment_code":"QAB12CD34"}`, u.ID), string(j.Args))

	assert.Equal(t, []events.Type{events.EntitlementGranted}, h.events.types())
}

func TestCoordinator_Activate_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, h *harness) (int64, string)
		stage     string
		wantErr   error
		wantJobs  int
		wantGrant bool
	}{
		{
			name: "unknown user",
			setup: func(t *testing.T, h *harness) (int64, string) {
				h.seed(t, "254700000002", "QAB12CD35")
				return 9999, "QAB12CD35"
			},
			stage:   "load user",
			wantErr: domain.ErrUserNotFound,
		},
		{
			name: "unknown payment code",
			setup: func(t *testing.T, h *harness) (int64, string) {
				u := h.seed(t, "254700000003", "QAB12CD36")
				return u.ID, "NOPE"
			},
			stage:   "load payment",
			wantErr: domain.ErrPaymentNotFound,
		},
		{
			name: "payment already activated",
			setup: func(t *testing.T, h *harness) (int64, string) {
				u, _ := h.activate(t, "254700000004", "QAB12CD37")
				return u.ID, "QAB12CD37"
			},
			stage:     "load payment",
			wantErr:   domain.ErrPaymentAlreadyLinked,
			wantJobs:  1,
			wantGrant: true,
		},
		{
			name: "queue refuses the job",
			setup: func(t *testing.T, h *harness) (int64, string) {
				u := h.seed(t, "254700000005", "QAB12CD38")
				h.queue.scheduleErr = errors.New("queue down")
				return u.ID, "QAB12CD38"
			},
			stage: "schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			userID, code := tt.setup(t, h)

			err := h.coord.Activate(h.ctx, userID, code)
			require.Error(t, err)

			var ae *ActivationError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.stage, ae.Stage)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			counts, err := h.repo.CountByState(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJobs, counts[queue.StateScheduled])

			recs, err := h.records.ListAll(h.ctx)
			require.NoError(t, err)
			assert.Len(t, recs, tt.wantJobs)

			if u, found, err := h.accounts.GetUser(h.ctx, userID); err == nil && found {
				assert.Equal(t, tt.wantGrant, u.Granted)
			}
		})
	}
}

func TestCoordinator_ScheduleFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	u := h.seed(t, "254700000006", "QAB12CD39")
	h.queue.scheduleErr = errors.New("queue down")

	err := h.coord.Activate(h.ctx, u.ID, "QAB12CD39")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, h.payment(t, "QAB12CD39").Linked())

	h.queue.scheduleErr = nil
	require.NoError(t, h.coord.Activate(h.ctx, u.ID, "QAB12CD39"))
	assert.True(t, h.user(t, u.ID).Granted)
}

func TestVerifier_Deadline(t *testing.T) {
	tests := []struct {
		name    string
		after   time.Duration
		outcome Outcome
		granted bool
		state   queue.State
	}{
		{"first tick", 0, OutcomeActive, true, queue.StateScheduled},
		{"one second before deadline", 59 * time.Second, OutcomeActive, true, queue.StateScheduled},
		{"at deadline", time.Minute, OutcomeRevoked, false, queue.StateCancelled},
		{"long after deadline", 48 * time.Hour, OutcomeRevoked, false, queue.StateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			u, jobID := h.activate(t, "254700000010", "QDL00001")

			h.clock.Set(h.t0.Add(tt.after))
			outcome, err := h.verifier.Verify(h.ctx, VerifyArgs{UserID: u.ID, PaymentCode: "QDL00001"})
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)

			got := h.user(t, u.ID)
			assert.Equal(t, tt.granted, got.Granted)
			require.NotNil(t, got.GrantedAt)
			assert.True(t, h.t0.Equal(*got.GrantedAt))

			if tt.granted {
				assert.Empty(t, h.queue.cancelled)
			} else {
				assert.Equal(t, 1, h.queue.cancels)
				assert.Equal(t, []domain.JobID{jobID}, h.queue.cancelled)
			}
			assert.Equal(t, tt.state, h.jobState(t, jobID))
			assert.Equal(t, !tt.granted, h.record(t, jobID).Cancelled)
		})
	}
}

func TestVerifier_RevokeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	u, jobID := h.activate(t, "254700000011", "QID00001")
	args := VerifyArgs{UserID: u.ID, PaymentCode: "QID00001"}

	h.clock.Set(h.t0.Add(time.Minute))
	outcome, err := h.verifier.Verify(h.ctx, args)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevoked, outcome)
	cancelledAt := h.record(t, jobID).CancelledAt
	require.NotNil(t, cancelledAt)

	h.clock.Set(h.t0.Add(2 * time.Minute))
	outcome, err = h.verifier.Verify(h.ctx, args)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRevoked, outcome)

	assert.False(t, h.user(t, u.ID).Granted)
	assert.Equal(t, 1, h.queue.cancels)
	rec := h.record(t, jobID)
	assert.True(t, rec.Cancelled)
	assert.True(t, cancelledAt.Equal(*rec.CancelledAt))
	assert.Equal(t, []events.Type{events.EntitlementGranted, events.EntitlementRevoked}, h.events.types())
}

func TestVerifier_CancelFailureIsRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	u, jobID := h.activate(t, "254700000012", "QCF00001")
	args := VerifyArgs{UserID: u.ID, PaymentCode: "QCF00001"}

	h.queue.cancelErr = errors.New("broker unreachable")
	h.clock.Set(h.t0.Add(time.Minute))
	outcome, err := h.verifier.Verify(h.ctx, args)
	require.Error(t, err)
	assert.Equal(t, OutcomeRevoked, outcome)
	var ce *domain.CancelError
	assert.ErrorAs(t, err, &ce)

	assert.False(t, h.user(t, u.ID).Granted)
	assert.False(t, h.record(t, jobID).Cancelled)
	assert.Equal(t, queue.StateScheduled, h.jobState(t, jobID))

	h.queue.cancelErr = nil
	h.clock.Set(h.t0.Add(time.Minute + 10*time.Second))
	outcome, err = h.verifier.Verify(h.ctx, args)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRevoked, outcome)

	assert.True(t, h.record(t, jobID).Cancelled)
	assert.Equal(t, queue.StateCancelled, h.jobState(t, jobID))
}

func TestVerifier_PendingActivation(t *testing.T) {
	t.Run("payment not linked yet", func(t *testing.T) {
		h := newHarness(t)
		u := h.seed(t, "254700000013", "QPD00001")

		outcome, err := h.verifier.Verify(h.ctx, VerifyArgs{UserID: u.ID, PaymentCode: "QPD00001"})
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome)
		assert.Zero(t, h.queue.cancels)
	})

	t.Run("linked but not granted", func(t *testing.T) {
		h := newHarness(t)
		u := h.seed(t, "254700000014", "QPD00002")

		jobID, err := h.queue.Schedule(h.ctx, h.t0, h.policy.TickInterval, VerifyTask, VerifyArgs{UserID: u.ID, PaymentCode: "QPD00002"})
		require.NoError(t, err)
		require.NoError(t, h.records.Create(h.ctx, domain.JobRecord{
			ID: jobID, Name: VerifyTask, FirstFireAt: h.t0, IntervalSeconds: 10, Description: RecordDescription,
		}))
		require.NoError(t, h.accounts.LinkJob(h.ctx, "QPD00002", jobID))

		outcome, err := h.verifier.Verify(h.ctx, VerifyArgs{UserID: u.ID, PaymentCode: "QPD00002"})
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome)
		assert.Equal(t, queue.StateScheduled, h.jobState(t, jobID))
		assert.False(t, h.record(t, jobID).Cancelled)
	})

	t.Run("regranted after an earlier cycle", func(t *testing.T) {
		h := newHarness(t)
		u, first := h.activate(t, "254700000015", "QPD00003")
		h.clock.Set(h.t0.Add(time.Minute))
		_, err := h.verifier.Verify(h.ctx, VerifyArgs{UserID: u.ID, PaymentCode: "QPD00003"})
		require.NoError(t, err)

		// A second payment is being activated; its job exists but the grant
		// has not been written.
		later := h.t0.Add(2 * time.Minute)
		require.NoError(t, h.accounts.RecordPayment(h.ctx, domain.Payment{Code: "QPD00004", Sender: "JOHN DOE", Source: u.Telephone}))
		jobID, err := h.queue.Schedule(h.ctx, later, h.policy.TickInterval, VerifyTask, VerifyArgs{UserID: u.ID, PaymentCode: "QPD00004"})
		require.NoError(t, err)
		require.NoError(t, h.records.Create(h.ctx, domain.JobRecord{
			ID: jobID, Name: VerifyTask, FirstFireAt: later, IntervalSeconds: 10, Description: RecordDescription,
		}))
		require.NoError(t, h.accounts.LinkJob(h.ctx, "QPD00004", jobID))

		h.clock.Set(later)
		outcome, err := h.verifier.Verify(h.ctx, VerifyArgs{UserID: u.ID, PaymentCode: "QPD00004"})
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome)
		assert.Equal(t, queue.StateScheduled, h.jobState(t, jobID))
		assert.Equal(t, queue.StateCancelled, h.jobState(t, first))
	})
}

func TestVerifier_SkipsMissingUserOrPayment(t *testing.T) {
	h := newHarness(t)
	u := h.seed(t, "254700000016", "QSK00001")

	tests := []struct {
		name string
		args VerifyArgs
	}{
		{"unknown user", VerifyArgs{UserID: 4242, PaymentCode: "QSK00001"}},
		{"unknown payment", VerifyArgs{UserID: u.ID, PaymentCode: "QSK99999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := h.verifier.Verify(h.ctx, tt.args)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, outcome)
		})
	}
}

func TestVerifier_MissingRecordIsInconsistent(t *testing.T) {
	h := newHarness(t)
	u := h.seed(t, "254700000017", "QIN00001")
	require.NoError(t, h.accounts.LinkJob(h.ctx, "QIN00001", "job_ghost"))
	require.NoError(t, h.accounts.Grant(h.ctx, u.ID, h.t0))

	h.clock.Set(h.t0.Add(time.Hour))
	outcome, err := h.verifier.Verify(h.ctx, VerifyArgs{UserID: u.ID, PaymentCode: "QIN00001"})
	require.ErrorIs(t, err, domain.ErrInconsistentState)
	assert.Equal(t, OutcomeRevoked, outcome)
	assert.False(t, h.user(t, u.ID).Granted)
	assert.Zero(t, h.queue.cancels)
}

func TestVerifier_ThroughWorkerPool(t *testing.T) {
	h := newHarness(t)
	registry := worker.NewRegistry()
	require.NoError(t, h.verifier.Register(registry))
	assert.ErrorContains(t, h.verifier.Register(registry), "already registered")

	pool := worker.NewPool(h.repo, registry, worker.Options{Workers: 2, JobTimeout: 5 * time.Second}, zerolog.Nop())
	u, jobID := h.activate(t, "254700000018", "QWP00001")

	assert.Equal(t, 1, pool.RunDue(h.ctx, h.t0))
	assert.True(t, h.user(t, u.ID).Granted)
	assert.Equal(t, queue.StateScheduled, h.jobState(t, jobID))

	h.clock.Set(h.t0.Add(time.Minute))
	assert.Equal(t, 1, pool.RunDue(h.ctx, h.t0.Add(time.Minute)))
	assert.False(t, h.user(t, u.ID).Granted)
	assert.Equal(t, queue.StateCancelled, h.jobState(t, jobID))
	assert.True(t, h.record(t, jobID).Cancelled)

	assert.Zero(t, pool.RunDue(h.ctx, h.t0.Add(time.Hour)))
}

func TestVerifier_RecordFailureAfterQueueCancel(t *testing.T) {
	h := newHarness(t)
	u, jobID := h.activate(t, "254700000019", "QMC00001")
	args := VerifyArgs{UserID: u.ID, PaymentCode: "QMC00001"}

	h.flaky.markErr = errors.New("disk full")
	h.clock.Set(h.t0.Add(time.Minute))
	outcome, err := h.verifier.Verify(h.ctx, args)
	require.Error(t, err)
	assert.Equal(t, OutcomeRevoked, outcome)
	assert.ErrorIs(t, err, domain.ErrInconsistentState)
	assert.True(t, domain.IsRetryable(err))

	assert.False(t, h.user(t, u.ID).Granted)
	assert.Equal(t, queue.StateCancelled, h.jobState(t, jobID))
	assert.False(t, h.record(t, jobID).Cancelled)
	assert.Contains(t, h.logs.String(), "data integrity: job cancelled in queue but record still live")
}
