package hunt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/libcal-scheduler/internal/db"
)

// Power filter values for hunt candidates.
const (
	PowerAny  = "any"
	PowerOnly = "power"
	PowerNone = "no_power"
)

var (
	ErrNotActive     = errors.New("hunt is not active")
	ErrAlreadyActive = errors.New("hunt is already active")
)

// State is the single hunting-mode row. At most one hunt runs at a time;
// starting a new one requires stopping the current one first.
type State struct {
	Active             bool
	SlotDate           time.Time
	WindowStart        time.Time
	WindowEnd          time.Time
	PowerFilter        string
	AreaPrefixes       []string
	CreatedAt          time.Time
	LastRunAt          time.Time
	StoppedAt          time.Time
	StopReason         string
	BookedSeatID       int64
	BookedConfirmation string
	LastError          string
}

type StartParams struct {
	SlotDate     time.Time
	WindowStart  time.Time
	WindowEnd    time.Time
	PowerFilter  string
	AreaPrefixes []string
}

func (p StartParams) Validate() error {
	if p.WindowStart.IsZero() || p.WindowEnd.IsZero() {
		return fmt.Errorf("hunt window is required")
	}
	if !p.WindowEnd.After(p.WindowStart) {
		return fmt.Errorf("hunt window end %s is not after start %s",
			p.WindowEnd.Format(time.RFC3339), p.WindowStart.Format(time.RFC3339))
	}
	switch p.PowerFilter {
	case "", PowerAny, PowerOnly, PowerNone:
	default:
		return fmt.Errorf("unknown power filter %q", p.PowerFilter)
	}
	return nil
}

type StateRepo struct {
	db *db.DB
}

func NewStateRepo(d *db.DB) *StateRepo {
	return &StateRepo{db: d}
}

func (r *StateRepo) Get(ctx context.Context) (State, error) {
	var (
		st       State
		prefixes string
		slotDate, windowStart, windowEnd    *time.Time
		createdAt, lastRunAt, stoppedAt     *time.Time
		stopReason, confirmation, lastError *string
		bookedSeatID                        *int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT active, slot_date, window_start, window_end, power_filter,
		       area_prefixes, created_at, last_run_at, stopped_at, stop_reason,
		       booked_seat_id, booked_confirmation, last_error
		FROM hunt_state WHERE id = 1`).
		Scan(&st.Active, &slotDate, &windowStart, &windowEnd, &st.PowerFilter,
			&prefixes, &createdAt, &lastRunAt, &stoppedAt, &stopReason,
			&bookedSeatID, &confirmation, &lastError)
	if err != nil {
		return State{}, db.WrapNotFound(err)
	}
	assignTime(&st.SlotDate, slotDate)
	assignTime(&st.WindowStart, windowStart)
	assignTime(&st.WindowEnd, windowEnd)
	assignTime(&st.CreatedAt, createdAt)
	assignTime(&st.LastRunAt, lastRunAt)
	assignTime(&st.StoppedAt, stoppedAt)
	if stopReason != nil {
		st.StopReason = *stopReason
	}
	if confirmation != nil {
		st.BookedConfirmation = *confirmation
	}
	if lastError != nil {
		st.LastError = *lastError
	}
	if bookedSeatID != nil {
		st.BookedSeatID = *bookedSeatID
	}
	if prefixes != "" {
		st.AreaPrefixes = strings.Split(prefixes, ",")
	}
	return st, nil
}

// Start activates hunting with fresh filters, clearing any previous outcome.
// Returns ErrAlreadyActive if a hunt is running.
func (r *StateRepo) Start(ctx context.Context, p StartParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	power := p.PowerFilter
	if power == "" {
		power = PowerAny
	}
	n, err := r.db.Exec(ctx, `
		UPDATE hunt_state SET
			active = TRUE,
			slot_date = $1, window_start = $2, window_end = $3,
			power_filter = $4, area_prefixes = $5,
			created_at = now(), last_run_at = NULL,
			stopped_at = NULL, stop_reason = NULL,
			booked_seat_id = NULL, booked_confirmation = NULL, last_error = NULL
		WHERE id = 1 AND active = FALSE`,
		p.SlotDate, p.WindowStart, p.WindowEnd, power, strings.Join(p.AreaPrefixes, ","))
	if err != nil {
		return fmt.Errorf("start hunt: %w", err)
	}
	if n == 0 {
		return ErrAlreadyActive
	}
	return nil
}

// Stop deactivates hunting with a reason. Returns ErrNotActive if no hunt
// is running.
func (r *StateRepo) Stop(ctx context.Context, reason string) error {
	n, err := r.db.Exec(ctx, `
		UPDATE hunt_state SET active = FALSE, stopped_at = now(), stop_reason = $1
		WHERE id = 1 AND active = TRUE`, reason)
	if err != nil {
		return fmt.Errorf("stop hunt: %w", err)
	}
	if n == 0 {
		return ErrNotActive
	}
	return nil
}

// RecordRun marks a completed tick, keeping the latest classification for
// the status surface. Empty lastErr clears it.
func (r *StateRepo) RecordRun(ctx context.Context, lastErr string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE hunt_state SET last_run_at = now(), last_error = NULLIF($1, '')
		WHERE id = 1`, lastErr)
	if err != nil {
		return fmt.Errorf("record hunt run: %w", err)
	}
	return nil
}

// RecordSuccess stores the booked seat and deactivates the hunt.
func (r *StateRepo) RecordSuccess(ctx context.Context, seatID int64, confirmation string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE hunt_state SET
			active = FALSE, stopped_at = now(), stop_reason = 'booked',
			booked_seat_id = $1, booked_confirmation = $2,
			last_run_at = now(), last_error = NULL
		WHERE id = 1`, seatID, confirmation)
	if err != nil {
		return fmt.Errorf("record hunt success: %w", err)
	}
	return nil
}

func assignTime(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}
