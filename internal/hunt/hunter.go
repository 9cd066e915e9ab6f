package hunt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/availability"
	"github.com/example/libcal-scheduler/internal/libcal"
	"github.com/example/libcal-scheduler/internal/requests"
)

// States is the slice of the state repo the hunter drives.
type States interface {
	Get(ctx context.Context) (State, error)
	Stop(ctx context.Context, reason string) error
	RecordRun(ctx context.Context, lastErr string) error
	RecordSuccess(ctx context.Context, seatID int64, confirmation string) error
}

// Cache answers candidate queries from the local availability snapshot.
type Cache interface {
	FullyAvailableSeats(ctx context.Context, start, end time.Time) ([]availability.Seat, error)
}

// Refresher re-captures the live grid before each candidate pass.
type Refresher interface {
	RefreshRange(ctx context.Context, start, end time.Time) (int, error)
}

// Portal books seats. BookSeat re-verifies the slot against the live grid,
// so a stale cache entry degrades to a slot-taken error, not a bad booking.
type Portal interface {
	BookSeat(ctx context.Context, seatID int64, slotStart, slotEnd time.Time, prof libcal.Profile) (string, error)
}

type Profiles interface {
	Get(ctx context.Context) (libcal.Profile, error)
}

// StopReasonClosing is recorded when the hunt deactivates itself because
// the window is too close to be worth holding a seat for.
const StopReasonClosing = "window closing"

type Options struct {
	// AutoStopLead deactivates the hunt once less than this much of the
	// window remains. Zero means 2h, matching the check-in grace period.
	AutoStopLead time.Duration
}

func (o Options) withDefaults() Options {
	if o.AutoStopLead <= 0 {
		o.AutoStopLead = 2 * time.Hour
	}
	return o
}

// Hunter runs one candidate pass per tick: refresh the grid for the hunt
// date, pick seats free for the whole window, and try to book the first
// one that sticks.
type Hunter struct {
	states   States
	cache    Cache
	refresh  Refresher
	portal   Portal
	profiles Profiles
	opts     Options
	log      zerolog.Logger

	now func() time.Time
}

func New(states States, cache Cache, refresh Refresher, portal Portal, profiles Profiles, opts Options, log zerolog.Logger) *Hunter {
	return &Hunter{
		states:   states,
		cache:    cache,
		refresh:  refresh,
		portal:   portal,
		profiles: profiles,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "hunter").Logger(),
		now:      time.Now,
	}
}

// Tick performs one hunting pass. A nil return means the pass completed;
// whether it booked anything is visible in the state row.
func (h *Hunter) Tick(ctx context.Context) error {
	st, err := h.states.Get(ctx)
	if err != nil {
		return err
	}
	if !st.Active {
		return nil
	}

	now := h.now()
	if now.After(st.WindowEnd.Add(-h.opts.AutoStopLead)) {
		h.log.Info().Time("window_end", st.WindowEnd).Msg("hunt window closing, stopping")
		if err := h.states.Stop(ctx, StopReasonClosing); err != nil && !errors.Is(err, ErrNotActive) {
			return err
		}
		return nil
	}

	day := st.SlotDate.Truncate(24 * time.Hour)
	if _, err := h.refresh.RefreshRange(ctx, day, day.AddDate(0, 0, 1)); err != nil {
		h.log.Warn().Err(err).Msg("hunt grid refresh failed")
		return h.states.RecordRun(ctx, classify(err))
	}

	seats, err := h.cache.FullyAvailableSeats(ctx, st.WindowStart, st.WindowEnd)
	if err != nil {
		return err
	}
	candidates := seats[:0]
	for _, seat := range seats {
		if matches(st, seat) {
			candidates = append(candidates, seat)
		}
	}
	if len(candidates) == 0 {
		h.log.Debug().Int("seen", len(seats)).Msg("no hunt candidates this pass")
		return h.states.RecordRun(ctx, "")
	}

	prof, err := h.profiles.Get(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("hunt needs a booking profile")
		return h.states.RecordRun(ctx, requests.ClassInvalidRequest)
	}

	var lastErr string
	for _, seat := range candidates {
		confirmation, err := h.portal.BookSeat(ctx, seat.ID, st.WindowStart, st.WindowEnd, prof)
		if err == nil {
			h.log.Info().Int64("seat", seat.ID).Str("confirmation", confirmation).Msg("hunt booked a seat")
			return h.states.RecordSuccess(ctx, seat.ID, confirmation)
		}
		if errors.Is(err, libcal.ErrSlotTaken) {
			h.log.Debug().Int64("seat", seat.ID).Msg("candidate taken, trying next")
			lastErr = requests.ClassSlotTaken
			continue
		}
		if errors.Is(err, libcal.ErrAuthFailed) {
			// No point hammering the portal without a session.
			h.log.Error().Int64("seat", seat.ID).Msg("portal session rejected, stopping hunt")
			if stopErr := h.states.Stop(ctx, requests.ClassAuthFailed); stopErr != nil && !errors.Is(stopErr, ErrNotActive) {
				return stopErr
			}
			return h.states.RecordRun(ctx, requests.ClassAuthFailed)
		}
		h.log.Warn().Err(err).Int64("seat", seat.ID).Msg("hunt booking attempt failed")
		lastErr = classify(err)
	}
	return h.states.RecordRun(ctx, lastErr)
}

func matches(st State, seat availability.Seat) bool {
	switch st.PowerFilter {
	case PowerOnly:
		if seat.PowerAvailable == nil || !*seat.PowerAvailable {
			return false
		}
	case PowerNone:
		if seat.PowerAvailable != nil && *seat.PowerAvailable {
			return false
		}
	}
	if len(st.AreaPrefixes) == 0 {
		return true
	}
	for _, prefix := range st.AreaPrefixes {
		if prefix != "" && strings.HasPrefix(seat.Name, prefix) {
			return true
		}
	}
	return false
}

func classify(err error) string {
	switch {
	case errors.Is(err, libcal.ErrSlotTaken):
		return requests.ClassSlotTaken
	case errors.Is(err, libcal.ErrAuthFailed):
		return requests.ClassAuthFailed
	case errors.Is(err, libcal.ErrInvalid):
		return requests.ClassInvalidRequest
	default:
		return requests.ClassPortalError
	}
}
