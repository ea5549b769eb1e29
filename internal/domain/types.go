package domain

import (
	"encoding/json"
	"time"
)

// JobID is the opaque identifier the queue assigns to a scheduled job.
type JobID string

// TaskName is the stable symbolic name a job invokes.
type TaskName string

// JobRef identifies a queued job either by its bare id or by a handle
// previously fetched from the queue. Only JobID and *JobHandle implement it.
type JobRef interface {
	RefID() JobID
	// Handle returns the fetched handle, or false for a bare id the queue
	// has not been asked about.
	Handle() (*JobHandle, bool)
	isJobRef()
}

func (id JobID) RefID() JobID            { return id }
func (JobID) Handle() (*JobHandle, bool) { return nil, false }
func (JobID) isJobRef()                  {}

func (id JobID) String() string { return string(id) }

// JobHandle is the queue's live view of a job.
type JobHandle struct {
	ID              JobID
	Task            TaskName
	Args            json.RawMessage
	IntervalSeconds int64
	NextFireAt      time.Time
	State           string
	Attempts        int
}

func (h *JobHandle) RefID() JobID               { return h.ID }
func (h *JobHandle) Handle() (*JobHandle, bool) { return h, true }
func (*JobHandle) isJobRef()                    {}

// Recurring reports whether the job fires more than once.
func (h *JobHandle) Recurring() bool { return h.IntervalSeconds > 0 }

// JobRecord is the durable bookkeeping row kept for every scheduled job.
// Cancelled only ever moves from false to true.
type JobRecord struct {
	ID              JobID
	Name            TaskName
	FirstFireAt     time.Time
	IntervalSeconds int64
	Description     string
	Cancelled       bool
	CancelledAt     *time.Time
}

type User struct {
	ID        int64
	Username  string
	Telephone string
	Granted   bool
	GrantedAt *time.Time
	CreatedAt time.Time
}

// Payment is a ledger entry. LinkedJobID is empty until an activation
// schedules a verification job for it.
type Payment struct {
	Code        string
	Sender      string
	Amount      string
	Source      string
	LinkedJobID JobID
	CreatedAt   time.Time
}

// Linked reports whether a verification job was ever scheduled for the payment.
func (p Payment) Linked() bool { return p.LinkedJobID != "" }
