package requests

import (
	"context"
	"time"

	"github.com/example/libcal-scheduler/internal/db"
)

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const columns = `id,kind,seat_id,slot_date,slot_start,slot_end,checkin_code,open_at,deadline_at,next_attempt_at,status,attempts,last_attempt_at,last_error,confirmation,created_at,updated_at`

// Create inserts a pending request. A partial unique index over non-terminal
// rows enforces the one-active-request-per-slot invariant; violations come
// back as ErrDuplicateActive.
func (r *Repo) Create(ctx context.Context, req Request) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO requests(kind,seat_id,slot_date,slot_start,slot_end,checkin_code,open_at,deadline_at,next_attempt_at,status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$7,'pending')
RETURNING id`,
		req.Kind, nullInt64(req.SeatID), nullTime(req.SlotDate), nullTime(req.SlotStart), nullTime(req.SlotEnd),
		nullString(req.CheckinCode), req.OpenAt, req.DeadlineAt,
	).Scan(&id)
	if err != nil {
		if isDuplicateActive(err) {
			return 0, ErrDuplicateActive
		}
		return 0, db.WrapNotFound(err)
	}
	return id, nil
}

// isDuplicateActive matches the per-kind partial unique indexes that enforce
// the one-active-request invariant.
func isDuplicateActive(err error) bool {
	return db.IsUniqueViolation(err, "requests_active_slot_uniq") ||
		db.IsUniqueViolation(err, "requests_active_checkin_uniq")
}

func (r *Repo) Get(ctx context.Context, id int64) (Request, error) {
	row := r.db.QueryRow(ctx, `SELECT `+columns+` FROM requests WHERE id=$1`, id)
	req, err := scanRequest(row)
	if err != nil {
		return Request{}, db.WrapNotFound(err)
	}
	return req, nil
}

type Filter struct {
	Status Status
	Kind   Kind
	Limit  int
}

func (r *Repo) List(ctx context.Context, f Filter) ([]Request, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
SELECT `+columns+`
FROM requests
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR kind = $2)
ORDER BY created_at DESC
LIMIT $3`, string(f.Status), string(f.Kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// Fields carries the optional columns an UpdateStatus call may set. Nil
// pointers leave the stored value untouched; SetLastError distinguishes
// "clear last_error" from "keep it".
type Fields struct {
	AttemptsDelta int
	NextAttemptAt *time.Time
	LastAttemptAt *time.Time
	LastError     *string
	SetLastError  bool
	Confirmation  *string
}

// UpdateStatus is the store's atomic compare-and-set: the row changes only if
// its status still equals expected. The transition itself is validated before
// touching the database.
func (r *Repo) UpdateStatus(ctx context.Context, id int64, expected, next Status, f Fields) error {
	if !CanTransition(expected, next) {
		return ErrInvalidTransition
	}
	n, err := r.db.Exec(ctx, `
UPDATE requests SET
  status = $3,
  attempts = attempts + $4,
  next_attempt_at = COALESCE($5, next_attempt_at),
  last_attempt_at = COALESCE($6, last_attempt_at),
  last_error = CASE WHEN $7 THEN $8 ELSE last_error END,
  confirmation = COALESCE($9, confirmation),
  updated_at = now()
WHERE id = $1 AND status = $2`,
		id, expected, next, f.AttemptsDelta, f.NextAttemptAt, f.LastAttemptAt, f.SetLastError, f.LastError, f.Confirmation)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrStaleStatus
	}
	return nil
}

// Cancel is the one mutation the UI applies directly; it is only valid while
// the request is still pending.
func (r *Repo) Cancel(ctx context.Context, id int64) error {
	err := r.UpdateStatus(ctx, id, StatusPending, StatusCancelled, Fields{})
	if err == ErrStaleStatus {
		return ErrInvalidTransition
	}
	return err
}

// Due returns pending requests whose next attempt time has passed, soonest
// first.
func (r *Repo) Due(ctx context.Context, now time.Time, limit int) ([]Request, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+columns+`
FROM requests
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY next_attempt_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// NextWake returns the earliest next_attempt_at among pending requests.
func (r *Repo) NextWake(ctx context.Context) (time.Time, bool, error) {
	var at *time.Time
	err := r.db.QueryRow(ctx, `SELECT MIN(next_attempt_at) FROM requests WHERE status='pending'`).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

// ResetRunning implements startup recovery: a running row after a restart
// means a prior process died mid-attempt with an unknown outcome, so the
// request goes back to pending with its attempt count untouched.
func (r *Repo) ResetRunning(ctx context.Context) (int64, error) {
	return r.db.Exec(ctx, `
UPDATE requests SET status='pending', updated_at=now()
WHERE status='running'`)
}

func collect(rows db.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row db.Row) (Request, error) {
	var req Request
	var seatID *int64
	var slotDate, slotStart, slotEnd *time.Time
	var checkinCode *string
	if err := row.Scan(
		&req.ID, &req.Kind, &seatID, &slotDate, &slotStart, &slotEnd, &checkinCode,
		&req.OpenAt, &req.DeadlineAt, &req.NextAttemptAt,
		&req.Status, &req.Attempts, &req.LastAttemptAt, &req.LastError, &req.Confirmation,
		&req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return Request{}, err
	}
	if seatID != nil {
		req.SeatID = *seatID
	}
	if slotDate != nil {
		req.SlotDate = *slotDate
	}
	if slotStart != nil {
		req.SlotStart = *slotStart
	}
	if slotEnd != nil {
		req.SlotEnd = *slotEnd
	}
	if checkinCode != nil {
		req.CheckinCode = *checkinCode
	}
	return req, nil
}

func nullInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
