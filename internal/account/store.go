// Package account is the SQL-backed user directory and payment ledger.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"paywatch/internal/domain"
)

type userRow struct {
	ID        int64      `db:"id"`
	Username  string     `db:"username"`
	Telephone string     `db:"telephone"`
	Granted   bool       `db:"granted"`
	GrantedAt *time.Time `db:"granted_at"`
	CreatedAt time.Time  `db:"created_at"`
}

func (r userRow) user() domain.User {
	return domain.User{
		ID:        r.ID,
		Username:  r.Username,
		Telephone: r.Telephone,
		Granted:   r.Granted,
		GrantedAt: r.GrantedAt,
		CreatedAt: r.CreatedAt,
	}
}

type paymentRow struct {
	Code        string    `db:"code"`
	Sender      string    `db:"sender"`
	Amount      string    `db:"amount"`
	Source      string    `db:"source"`
	LinkedJobID string    `db:"linked_job_id"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r paymentRow) payment() domain.Payment {
	return domain.Payment{
		Code:        r.Code,
		Sender:      r.Sender,
		Amount:      r.Amount,
		Source:      r.Source,
		LinkedJobID: domain.JobID(r.LinkedJobID),
		CreatedAt:   r.CreatedAt,
	}
}

const (
	userColumns    = `id,username,telephone,granted,granted_at,created_at`
	paymentColumns = `code,sender,amount,source,linked_job_id,created_at`
)

type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) CreateUser(ctx context.Context, username, telephone string) (domain.User, error) {
	username = strings.TrimSpace(username)
	telephone = strings.TrimSpace(telephone)
	if username == "" || telephone == "" {
		return domain.User{}, errors.New("username and telephone are required")
	}

	if _, found, err := s.FindUserByTelephone(ctx, telephone); err != nil {
		return domain.User{}, err
	} else if found {
		return domain.User{}, domain.ErrUserExists
	}

	now := s.now()
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
INSERT INTO users (username,telephone,granted,created_at) VALUES (?,?,FALSE,?) RETURNING id`),
		username, telephone, now).Scan(&id)
	if err != nil {
		return domain.User{}, domain.NewStorageError("create user", err)
	}
	return domain.User{ID: id, Username: username, Telephone: telephone, CreatedAt: now}, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id int64) (domain.User, bool, error) {
	return s.findUser(ctx, `id=?`, id)
}

// FindUserByTelephone matches the stored telephone exactly.
func (s *SQLStore) FindUserByTelephone(ctx context.Context, telephone string) (domain.User, bool, error) {
	return s.findUser(ctx, `telephone=?`, telephone)
}

func (s *SQLStore) findUser(ctx context.Context, where string, arg any) (domain.User, bool, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, domain.NewStorageError("get user", err)
	}
	return r.user(), true, nil
}

// Grant marks the user entitled as of at.
func (s *SQLStore) Grant(ctx context.Context, userID int64, at time.Time) error {
	return s.updateUser(ctx, "grant entitlement", `UPDATE users SET granted=TRUE, granted_at=? WHERE id=?`, at.UTC(), userID)
}

// Revoke clears the entitlement. GrantedAt is kept as the start of the cycle
// that just ended.
func (s *SQLStore) Revoke(ctx context.Context, userID int64) error {
	return s.updateUser(ctx, "revoke entitlement", `UPDATE users SET granted=FALSE WHERE id=?`, userID)
}

func (s *SQLStore) updateUser(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (s *SQLStore) RecordPayment(ctx context.Context, p domain.Payment) error {
	if p.Code == "" {
		return errors.New("payment code is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO payments (`+paymentColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT (code) DO NOTHING`),
		p.Code, p.Sender, p.Amount, p.Source, string(p.LinkedJobID), p.CreatedAt.UTC())
	if err != nil {
		return domain.NewStorageError("record payment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("record payment", err)
	}
	if n == 0 {
		return domain.ErrPaymentExists
	}
	return nil
}

func (s *SQLStore) GetPayment(ctx context.Context, code string) (domain.Payment, bool, error) {
	var r paymentRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+paymentColumns+` FROM payments WHERE code=?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Payment{}, false, nil
	}
	if err != nil {
		return domain.Payment{}, false, domain.NewStorageError("get payment", err)
	}
	return r.payment(), true, nil
}

// LinkJob records jobID on an unlinked payment. A payment is linked at most once.
func (s *SQLStore) LinkJob(ctx context.Context, code string, jobID domain.JobID) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE payments SET linked_job_id=? WHERE code=? AND linked_job_id=''`), string(jobID), code)
	if err != nil {
		return domain.NewStorageError("link payment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("link payment", err)
	}
	if n > 0 {
		return nil
	}

	p, found, err := s.GetPayment(ctx, code)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrPaymentNotFound
	}
	if p.LinkedJobID == jobID {
		return nil
	}
	return fmt.Errorf("payment %s: %w", code, domain.ErrPaymentAlreadyLinked)
}

// ListLinkedPayments returns payments that have a verification job, oldest first.
func (s *SQLStore) ListLinkedPayments(ctx context.Context) ([]domain.Payment, error) {
	var rows []paymentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+paymentColumns+` FROM payments WHERE linked_job_id<>'' ORDER BY created_at ASC`); err != nil {
		return nil, domain.NewStorageError("list linked payments", err)
	}
	out := make([]domain.Payment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.payment())
	}
	return out, nil
}
