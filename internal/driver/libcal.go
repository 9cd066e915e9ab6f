package driver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/libcal-scheduler/internal/db"
	"github.com/example/libcal-scheduler/internal/libcal"
	"github.com/example/libcal-scheduler/internal/requests"
)

// Portal is the slice of the LibCal client the adapter needs.
type Portal interface {
	BookSeat(ctx context.Context, seatID int64, slotStart, slotEnd time.Time, prof libcal.Profile) (string, error)
	CheckIn(ctx context.Context, code string) (string, error)
}

// Profiles supplies the booking profile for book attempts.
type Profiles interface {
	Get(ctx context.Context) (libcal.Profile, error)
}

// LibCal drives reservation attempts through the portal client and owns the
// recoverable/definite split. A permanent error classified as recoverable
// wastes the whole booking window on retries, so unknown portal messages are
// enumerated in classify below and tested at this boundary.
type LibCal struct {
	portal   Portal
	profiles Profiles
}

func NewLibCal(p Portal, profiles Profiles) *LibCal {
	return &LibCal{portal: p, profiles: profiles}
}

func (d *LibCal) Attempt(ctx context.Context, req requests.Request) Outcome {
	switch req.Kind {
	case requests.KindBook:
		prof, err := d.profiles.Get(ctx)
		if err != nil {
			if db.IsNotFound(err) {
				return Outcome{Class: DefiniteFailure, Reason: requests.ClassInvalidRequest}
			}
			return classify(err)
		}
		conf, err := d.portal.BookSeat(ctx, req.SeatID, req.SlotStart, req.SlotEnd, prof)
		if err != nil {
			return classify(err)
		}
		return Outcome{Class: Success, Confirmation: conf}

	case requests.KindCheckin:
		conf, err := d.portal.CheckIn(ctx, req.CheckinCode)
		if err != nil {
			return classify(err)
		}
		return Outcome{Class: Success, Confirmation: conf}
	}
	return Outcome{Class: DefiniteFailure, Reason: requests.ClassInvalidRequest}
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Outcome{Class: Timeout, Reason: requests.ClassTimeout}
	case errors.Is(err, libcal.ErrSlotTaken):
		return Outcome{Class: DefiniteFailure, Reason: requests.ClassSlotTaken}
	case errors.Is(err, libcal.ErrAuthFailed):
		// portal sessions are long-lived cookies the operator refreshes by
		// hand; retrying without intervention cannot succeed
		return Outcome{Class: DefiniteFailure, Reason: requests.ClassAuthFailed}
	case errors.Is(err, libcal.ErrInvalid):
		return Outcome{Class: DefiniteFailure, Reason: requests.ClassInvalidRequest}
	case errors.Is(err, libcal.ErrTransient):
		if strings.Contains(err.Error(), "rate limited") {
			return Outcome{Class: RecoverableFailure, Reason: requests.ClassRateLimited}
		}
		return Outcome{Class: RecoverableFailure, Reason: requests.ClassPortalError}
	}
	// unknown errors retry within the bounded budget rather than burning the
	// request on a possibly transient hiccup
	return Outcome{Class: RecoverableFailure, Reason: requests.ClassPortalError}
}
