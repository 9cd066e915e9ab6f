package requests

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusPending},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusSucceeded, StatusPending},
		{StatusSucceeded, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusRunning},
		{StatusRunning, StatusCancelled},
		{StatusPending, StatusSucceeded},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	base := Request{
		Kind:       KindBook,
		SeatID:     42,
		SlotStart:  now.Add(24 * time.Hour),
		SlotEnd:    now.Add(26 * time.Hour),
		OpenAt:     now,
		DeadlineAt: now.Add(30 * time.Minute),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid book request rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*Request)
	}{
		{"missing seat", func(r *Request) { r.SeatID = 0 }},
		{"end before start", func(r *Request) { r.SlotEnd = r.SlotStart.Add(-time.Hour) }},
		{"deadline before open", func(r *Request) { r.DeadlineAt = r.OpenAt.Add(-time.Minute) }},
		{"unknown kind", func(r *Request) { r.Kind = "snooze" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := base
			tc.mut(&r)
			if err := r.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}

	checkin := Request{
		Kind:       KindCheckin,
		OpenAt:     now,
		DeadlineAt: now.Add(30 * time.Minute),
	}
	if err := checkin.Validate(); err == nil {
		t.Error("checkin without code should be rejected")
	}
	checkin.CheckinCode = "ABC123"
	if err := checkin.Validate(); err != nil {
		t.Errorf("valid checkin rejected: %v", err)
	}
}

func TestOpenAtFor(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	slot := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	openAt, err := OpenAtFor(slot, 7, "00:00", loc)
	if err != nil {
		t.Fatalf("OpenAtFor: %v", err)
	}
	want := time.Date(2026, 3, 3, 0, 0, 0, 0, loc).UTC()
	if !openAt.Equal(want) {
		t.Errorf("openAt = %v, want %v", openAt, want)
	}

	if _, err := OpenAtFor(slot, 7, "24:99", loc); err == nil {
		t.Error("want error for invalid release time")
	}
}

func TestDeadlineFor(t *testing.T) {
	now := time.Date(2026, 9, 8, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Minute

	// future open: window anchored at open_at
	openAt := now.Add(48 * time.Hour)
	if got := DeadlineFor(openAt, now, window); !got.Equal(openAt.Add(window)) {
		t.Errorf("future open: deadline = %v, want %v", got, openAt.Add(window))
	}

	// slot already open (created inside the release offset): anchored at now
	openAt = now.Add(-4 * 24 * time.Hour)
	if got := DeadlineFor(openAt, now, window); !got.Equal(now.Add(window)) {
		t.Errorf("past open: deadline = %v, want %v", got, now.Add(window))
	}
}

func TestHumanErrorNeverRaw(t *testing.T) {
	classes := []string{
		ClassSlotTaken, ClassInvalidRequest, ClassAuthFailed, ClassPortalError,
		ClassRateLimited, ClassTimeout, ClassRetriesExhausted, ClassWindowMissed,
	}
	for _, c := range classes {
		if HumanError(c) == "" || HumanError(c) == c {
			t.Errorf("HumanError(%q) = %q, want readable text", c, HumanError(c))
		}
	}
	if HumanError("") != "" {
		t.Error("empty classification should render empty")
	}
	if HumanError("something-internal") == "something-internal" {
		t.Error("unknown classifications must not surface verbatim")
	}
}
