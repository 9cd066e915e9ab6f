// Package requests holds the reservation request model and its postgres
// repository, the single source of truth the scheduler and the UI share.
package requests

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the request state machine. Retry is the
// running→pending edge; cancellation is only allowed from pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusPending
	}
	return false
}

type Kind string

const (
	KindBook    Kind = "book"    // reserve a seat slot
	KindCheckin Kind = "checkin" // run a check-in code after the slot starts
)

// Error classifications persisted in last_error. The scheduler and driver
// write these; the UI renders them through HumanError.
const (
	ClassSlotTaken        = "slot_taken"
	ClassInvalidRequest   = "invalid_request"
	ClassAuthFailed       = "auth_failed"
	ClassPortalError      = "portal_error"
	ClassRateLimited      = "rate_limited"
	ClassTimeout          = "timeout"
	ClassRetriesExhausted = "retries_exhausted"
	ClassWindowMissed     = "window_missed"
)

// HumanError renders a classification for display. Raw portal errors are
// never shown to the user.
func HumanError(class string) string {
	switch class {
	case ClassSlotTaken:
		return "slot already taken"
	case ClassInvalidRequest:
		return "request rejected by the portal"
	case ClassAuthFailed:
		return "portal authentication failed"
	case ClassPortalError:
		return "portal temporarily unavailable"
	case ClassRateLimited:
		return "portal rate limit hit"
	case ClassTimeout:
		return "attempt timed out"
	case ClassRetriesExhausted:
		return "retries exhausted"
	case ClassWindowMissed:
		return "booking window missed"
	case "":
		return ""
	}
	return "attempt failed"
}

type Request struct {
	ID   int64
	Kind Kind

	// book target
	SeatID    int64
	SlotDate  time.Time
	SlotStart time.Time
	SlotEnd   time.Time

	// checkin target
	CheckinCode string

	OpenAt        time.Time // earliest-eligible-time, immutable
	DeadlineAt    time.Time // end of the attempt window
	NextAttemptAt time.Time

	Status        Status
	Attempts      int
	LastAttemptAt *time.Time
	LastError     *string
	Confirmation  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Request) Validate() error {
	switch r.Kind {
	case KindBook:
		if r.SeatID < 1 {
			return fmt.Errorf("seat_id required")
		}
		if r.SlotStart.IsZero() || r.SlotEnd.IsZero() {
			return fmt.Errorf("slot_start and slot_end required")
		}
		if !r.SlotEnd.After(r.SlotStart) {
			return fmt.Errorf("slot_end must be after slot_start")
		}
	case KindCheckin:
		if r.CheckinCode == "" {
			return fmt.Errorf("checkin_code required")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.OpenAt.IsZero() {
		return fmt.Errorf("open_at required")
	}
	if !r.DeadlineAt.After(r.OpenAt) {
		return fmt.Errorf("deadline_at must be after open_at")
	}
	return nil
}

// DeadlineFor bounds the attempt window. A request created after its slot
// already opened (the slot is less than the release offset away) gets the
// window anchored at creation; anchoring at open_at would produce a
// deadline in the past and a request that fails before its first attempt.
func DeadlineFor(openAt, now time.Time, window time.Duration) time.Time {
	start := openAt
	if now.After(start) {
		start = now
	}
	return start.Add(window)
}

// OpenAtFor computes the earliest-eligible-time for a slot: the portal
// releases a day's slots daysOut days ahead at releaseTime (local HH:MM).
func OpenAtFor(slotStart time.Time, daysOut int, releaseTime string, loc *time.Location) (time.Time, error) {
	day := slotStart.In(loc)
	openDay := day.AddDate(0, 0, -daysOut)
	t, err := time.ParseInLocation("2006-01-02 15:04", openDay.Format("2006-01-02")+" "+releaseTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid release time (want HH:MM): %w", err)
	}
	return t.UTC(), nil
}
