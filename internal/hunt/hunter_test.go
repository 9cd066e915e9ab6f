package hunt

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/availability"
	"github.com/example/libcal-scheduler/internal/libcal"
	"github.com/example/libcal-scheduler/internal/requests"
)

type memStates struct {
	st State
}

func (m *memStates) Get(ctx context.Context) (State, error) { return m.st, nil }

func (m *memStates) Stop(ctx context.Context, reason string) error {
	if !m.st.Active {
		return ErrNotActive
	}
	m.st.Active = false
	m.st.StopReason = reason
	return nil
}

func (m *memStates) RecordRun(ctx context.Context, lastErr string) error {
	m.st.LastError = lastErr
	return nil
}

func (m *memStates) RecordSuccess(ctx context.Context, seatID int64, confirmation string) error {
	m.st.Active = false
	m.st.StopReason = "booked"
	m.st.BookedSeatID = seatID
	m.st.BookedConfirmation = confirmation
	return nil
}

type fakeCache struct {
	seats []availability.Seat
}

func (f *fakeCache) FullyAvailableSeats(ctx context.Context, start, end time.Time) ([]availability.Seat, error) {
	return append([]availability.Seat(nil), f.seats...), nil
}

type fakeRefresh struct {
	calls int
	err   error
}

func (f *fakeRefresh) RefreshRange(ctx context.Context, start, end time.Time) (int, error) {
	f.calls++
	return 0, f.err
}

type fakeBooker struct {
	errs  map[int64]error // nil error means the booking succeeds
	tried []int64
}

func (f *fakeBooker) BookSeat(ctx context.Context, seatID int64, slotStart, slotEnd time.Time, prof libcal.Profile) (string, error) {
	f.tried = append(f.tried, seatID)
	if err := f.errs[seatID]; err != nil {
		return "", err
	}
	return "CONF-1", nil
}

type fakeProfiles struct {
	err error
}

func (f *fakeProfiles) Get(ctx context.Context) (libcal.Profile, error) {
	if f.err != nil {
		return libcal.Profile{}, f.err
	}
	return libcal.Profile{FirstName: "Ada", LastName: "L", Email: "a@example.edu", Phone: "1", StudentNumber: "s1"}, nil
}

func activeState(now time.Time) State {
	return State{
		Active:      true,
		SlotDate:    now.Truncate(24 * time.Hour),
		WindowStart: now.Add(1 * time.Hour),
		WindowEnd:   now.Add(5 * time.Hour),
		PowerFilter: PowerAny,
	}
}

func newTestHunter(states *memStates, cache *fakeCache, refresh *fakeRefresh, booker *fakeBooker, now time.Time) *Hunter {
	h := New(states, cache, refresh, booker, &fakeProfiles{}, Options{}, zerolog.Nop())
	h.now = func() time.Time { return now }
	return h
}

func boolPtr(v bool) *bool { return &v }

func TestTickInactiveDoesNothing(t *testing.T) {
	states := &memStates{}
	refresh := &fakeRefresh{}
	h := newTestHunter(states, &fakeCache{}, refresh, &fakeBooker{}, time.Now())

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if refresh.calls != 0 {
		t.Errorf("inactive hunt refreshed the grid")
	}
}

func TestTickBooksFirstCandidate(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	states := &memStates{st: activeState(now)}
	cache := &fakeCache{seats: []availability.Seat{{ID: 3}, {ID: 4}}}
	booker := &fakeBooker{}
	h := newTestHunter(states, cache, &fakeRefresh{}, booker, now)

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if states.st.Active {
		t.Errorf("hunt still active after booking")
	}
	if states.st.BookedSeatID != 3 || states.st.BookedConfirmation != "CONF-1" {
		t.Errorf("booked = (%d, %q)", states.st.BookedSeatID, states.st.BookedConfirmation)
	}
	if len(booker.tried) != 1 {
		t.Errorf("tried %v seats, want just the first", booker.tried)
	}
}

func TestTickSkipsTakenSeat(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	states := &memStates{st: activeState(now)}
	cache := &fakeCache{seats: []availability.Seat{{ID: 3}, {ID: 4}}}
	booker := &fakeBooker{errs: map[int64]error{3: libcal.ErrSlotTaken}}
	h := newTestHunter(states, cache, &fakeRefresh{}, booker, now)

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if states.st.BookedSeatID != 4 {
		t.Errorf("booked seat %d, want 4", states.st.BookedSeatID)
	}
	if got := booker.tried; len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("tried %v, want [3 4]", got)
	}
}

func TestTickAutoStopsNearWindowEnd(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	st := activeState(now)
	st.WindowEnd = now.Add(90 * time.Minute) // inside the 2h lead
	states := &memStates{st: st}
	refresh := &fakeRefresh{}
	h := newTestHunter(states, &fakeCache{}, refresh, &fakeBooker{}, now)

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if states.st.Active {
		t.Errorf("hunt still active near window end")
	}
	if states.st.StopReason != StopReasonClosing {
		t.Errorf("stop reason = %q, want %q", states.st.StopReason, StopReasonClosing)
	}
	if refresh.calls != 0 {
		t.Errorf("refreshed the grid after auto-stop")
	}
}

func TestTickStopsOnAuthFailure(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	states := &memStates{st: activeState(now)}
	cache := &fakeCache{seats: []availability.Seat{{ID: 3}, {ID: 4}}}
	booker := &fakeBooker{errs: map[int64]error{3: libcal.ErrAuthFailed, 4: libcal.ErrAuthFailed}}
	h := newTestHunter(states, cache, &fakeRefresh{}, booker, now)

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if states.st.Active {
		t.Errorf("hunt still active after auth failure")
	}
	if states.st.StopReason != requests.ClassAuthFailed {
		t.Errorf("stop reason = %q", states.st.StopReason)
	}
	if len(booker.tried) != 1 {
		t.Errorf("kept trying seats without a session: %v", booker.tried)
	}
}

func TestTickTransientErrorKeepsHunting(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	states := &memStates{st: activeState(now)}
	cache := &fakeCache{seats: []availability.Seat{{ID: 3}}}
	booker := &fakeBooker{errs: map[int64]error{3: libcal.ErrTransient}}
	h := newTestHunter(states, cache, &fakeRefresh{}, booker, now)

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !states.st.Active {
		t.Errorf("transient error deactivated the hunt")
	}
	if states.st.LastError != requests.ClassPortalError {
		t.Errorf("last error = %q", states.st.LastError)
	}
}

func TestTickRefreshFailureRecordsAndContinues(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	states := &memStates{st: activeState(now)}
	refresh := &fakeRefresh{err: libcal.ErrTransient}
	booker := &fakeBooker{}
	h := newTestHunter(states, &fakeCache{seats: []availability.Seat{{ID: 3}}}, refresh, booker, now)

	if err := h.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !states.st.Active {
		t.Errorf("refresh failure deactivated the hunt")
	}
	if len(booker.tried) != 0 {
		t.Errorf("booked from a stale cache after refresh failure")
	}
	if states.st.LastError != requests.ClassPortalError {
		t.Errorf("last error = %q", states.st.LastError)
	}
}

func TestMatchesFilters(t *testing.T) {
	power := availability.Seat{ID: 1, Name: "Silent 101", PowerAvailable: boolPtr(true)}
	noPower := availability.Seat{ID: 2, Name: "Group 201", PowerAvailable: boolPtr(false)}
	unknown := availability.Seat{ID: 3, Name: "Silent 102"}

	cases := []struct {
		name string
		st   State
		seat availability.Seat
		want bool
	}{
		{"any matches unknown power", State{PowerFilter: PowerAny}, unknown, true},
		{"power filter needs power", State{PowerFilter: PowerOnly}, power, true},
		{"power filter rejects no power", State{PowerFilter: PowerOnly}, noPower, false},
		{"power filter rejects unknown", State{PowerFilter: PowerOnly}, unknown, false},
		{"no_power rejects power", State{PowerFilter: PowerNone}, power, false},
		{"no_power accepts unknown", State{PowerFilter: PowerNone}, unknown, true},
		{"prefix match", State{PowerFilter: PowerAny, AreaPrefixes: []string{"Silent"}}, power, true},
		{"prefix miss", State{PowerFilter: PowerAny, AreaPrefixes: []string{"Quiet"}}, power, false},
		{"any prefix suffices", State{PowerFilter: PowerAny, AreaPrefixes: []string{"Quiet", "Silent"}}, power, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matches(tc.st, tc.seat); got != tc.want {
				t.Errorf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}
