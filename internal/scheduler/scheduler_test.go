package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/driver"
	"github.com/example/libcal-scheduler/internal/requests"
)

// memStore mimics the postgres repository's compare-and-set semantics so the
// core's timing and retry logic can be exercised without a database.
type memStore struct {
	mu   sync.Mutex
	next int64
	reqs map[int64]*requests.Request
}

func newMemStore() *memStore {
	return &memStore{reqs: map[int64]*requests.Request{}}
}

func (s *memStore) add(req requests.Request) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	req.ID = s.next
	if req.Status == "" {
		req.Status = requests.StatusPending
	}
	if req.NextAttemptAt.IsZero() {
		req.NextAttemptAt = req.OpenAt
	}
	s.reqs[req.ID] = &req
	return req.ID
}

func (s *memStore) get(id int64) requests.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.reqs[id]
}

func (s *memStore) Due(ctx context.Context, now time.Time, limit int) ([]requests.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []requests.Request
	for _, r := range s.reqs {
		if r.Status == requests.StatusPending && !r.NextAttemptAt.After(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) NextWake(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at time.Time
	found := false
	for _, r := range s.reqs {
		if r.Status == requests.StatusPending && (!found || r.NextAttemptAt.Before(at)) {
			at = r.NextAttemptAt
			found = true
		}
	}
	return at, found, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id int64, expected, next requests.Status, f requests.Fields) error {
	if !requests.CanTransition(expected, next) {
		return requests.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return requests.ErrStaleStatus
	}
	if r.Status != expected {
		return requests.ErrStaleStatus
	}
	r.Status = next
	r.Attempts += f.AttemptsDelta
	if f.NextAttemptAt != nil {
		r.NextAttemptAt = *f.NextAttemptAt
	}
	if f.LastAttemptAt != nil {
		r.LastAttemptAt = f.LastAttemptAt
	}
	if f.SetLastError {
		r.LastError = f.LastError
	}
	if f.Confirmation != nil {
		r.Confirmation = f.Confirmation
	}
	return nil
}

func (s *memStore) ResetRunning(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.reqs {
		if r.Status == requests.StatusRunning {
			r.Status = requests.StatusPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) cancel(id int64) error {
	return s.UpdateStatus(context.Background(), id, requests.StatusPending, requests.StatusCancelled, requests.Fields{})
}

type driverFunc func(ctx context.Context, req requests.Request) driver.Outcome

func (f driverFunc) Attempt(ctx context.Context, req requests.Request) driver.Outcome {
	return f(ctx, req)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCore(store Store, d driver.Driver, opts Options, clk *clock) *Core {
	c := New(store, d, opts, zerolog.Nop())
	c.now = clk.Now
	c.randFloat = func() float64 { return 0.5 } // zero net jitter
	return c
}

// step runs one loop iteration and waits for its dispatches to finish.
func (c *Core) step(ctx context.Context) {
	c.tick(ctx)
	c.wg.Wait()
}

func pendingReq(clk *clock, openOffset, window time.Duration) requests.Request {
	open := clk.Now().Add(openOffset)
	return requests.Request{
		Kind:       requests.KindBook,
		SeatID:     7,
		SlotStart:  open.Add(7 * 24 * time.Hour),
		SlotEnd:    open.Add(7*24*time.Hour + time.Hour),
		OpenAt:     open,
		DeadlineAt: open.Add(window),
	}
}

func outcome(class driver.Class, reason string) driver.Outcome {
	return driver.Outcome{Class: class, Reason: reason}
}

func TestPastDueDispatchedImmediately(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, 30*time.Minute))

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return driver.Outcome{Class: driver.Success, Confirmation: "booked"}
	}), Options{MaxAttempts: 3}, clk)

	c.step(context.Background())

	if calls != 1 {
		t.Fatalf("driver calls = %d, want 1", calls)
	}
	got := store.get(id)
	if got.Status != requests.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Confirmation == nil || *got.Confirmation != "booked" {
		t.Errorf("confirmation = %v", got.Confirmation)
	}
	if got.LastError != nil {
		t.Errorf("last_error = %v, want cleared", got.LastError)
	}
}

func TestFutureRequestNotDispatchedBeforeDue(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, 10*time.Second, 30*time.Minute))

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return outcome(driver.Success, "")
	}), Options{MaxAttempts: 3}, clk)

	c.step(context.Background())
	if calls != 0 {
		t.Fatalf("driver called %d times before due", calls)
	}

	clk.advance(10 * time.Second)
	c.step(context.Background())
	if calls != 1 {
		t.Fatalf("driver calls = %d, want 1 at due time", calls)
	}

	// no re-dispatch after success
	c.step(context.Background())
	if calls != 1 {
		t.Fatalf("driver calls = %d after success, want 1", calls)
	}
	if got := store.get(id); got.Status != requests.StatusSucceeded {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRecoverableFailuresExhaustRetries(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, time.Hour))

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return outcome(driver.RecoverableFailure, requests.ClassPortalError)
	}), Options{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 10 * time.Second}, clk)

	for i := 0; i < 5; i++ { // more steps than attempts: must stop at max
		c.step(context.Background())
		clk.advance(time.Minute)
	}

	if calls != 3 {
		t.Fatalf("driver calls = %d, want 3", calls)
	}
	got := store.get(id)
	if got.Status != requests.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.LastError == nil || *got.LastError != requests.ClassRetriesExhausted {
		t.Errorf("last_error = %v, want retries_exhausted", got.LastError)
	}
}

func TestDefiniteFailureFailsImmediately(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, time.Hour))

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return outcome(driver.DefiniteFailure, requests.ClassSlotTaken)
	}), Options{MaxAttempts: 5}, clk)

	c.step(context.Background())
	clk.advance(time.Minute)
	c.step(context.Background())

	if calls != 1 {
		t.Fatalf("driver calls = %d, want 1 (no retry after definite failure)", calls)
	}
	got := store.get(id)
	if got.Status != requests.StatusFailed || got.Attempts != 1 {
		t.Errorf("status = %s attempts = %d, want failed/1", got.Status, got.Attempts)
	}
	if got.LastError == nil || *got.LastError != requests.ClassSlotTaken {
		t.Errorf("last_error = %v, want slot_taken", got.LastError)
	}
}

func TestBackoffPastDeadlineIsWindowMissed(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	// window so short the first backoff overshoots it
	id := store.add(pendingReq(clk, -time.Second, 2*time.Second))

	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		return outcome(driver.RecoverableFailure, requests.ClassPortalError)
	}), Options{MaxAttempts: 5, BackoffBase: time.Minute, BackoffMax: time.Hour}, clk)

	c.step(context.Background())

	got := store.get(id)
	if got.Status != requests.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != requests.ClassWindowMissed {
		t.Errorf("last_error = %v, want window_missed", got.LastError)
	}
}

func TestPastDeadlinePendingIsWindowMissedWithoutDispatch(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	req := pendingReq(clk, -2*time.Hour, 30*time.Minute) // whole window long gone
	id := store.add(req)

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return outcome(driver.Success, "")
	}), Options{MaxAttempts: 3}, clk)

	c.step(context.Background())

	if calls != 0 {
		t.Fatalf("driver calls = %d, want 0", calls)
	}
	got := store.get(id)
	if got.Status != requests.StatusFailed || got.LastError == nil || *got.LastError != requests.ClassWindowMissed {
		t.Errorf("got %s/%v, want failed/window_missed", got.Status, got.LastError)
	}
}

func TestCancelledRequestNeverDispatched(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, time.Hour))
	if err := store.cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return outcome(driver.Success, "")
	}), Options{MaxAttempts: 3}, clk)

	c.step(context.Background())

	if calls != 0 {
		t.Fatalf("driver calls = %d, want 0", calls)
	}
	got := store.get(id)
	if got.Status != requests.StatusCancelled || got.Attempts != 0 {
		t.Errorf("got %s/%d, want cancelled/0", got.Status, got.Attempts)
	}
}

func TestCancelRaceLosesToClaim(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, time.Hour))

	// cancellation sneaks in between Due and the claim CAS
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		t.Error("driver must not run for a cancelled request")
		return outcome(driver.Success, "")
	}), Options{MaxAttempts: 3}, clk)

	due, _ := store.Due(context.Background(), clk.Now(), 10)
	if err := store.cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, r := range due {
		c.dispatch(context.Background(), r)
	}
	c.wg.Wait()

	if got := store.get(id); got.Status != requests.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestRecoverResetsRunningKeepingAttempts(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	req := pendingReq(clk, -time.Second, time.Hour)
	req.Status = requests.StatusRunning
	req.Attempts = 2
	id := store.add(req)

	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		return outcome(driver.Success, "")
	}), Options{MaxAttempts: 5}, clk)

	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got := store.get(id)
	if got.Status != requests.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (unchanged)", got.Attempts)
	}
}

func TestRecoveredRequestWithSpentBudgetFailsWithoutDispatch(t *testing.T) {
	// crash during the final attempt: the row survives as running with
	// attempts == max and recovery hands it back as pending
	clk := &clock{now: time.Now()}
	store := newMemStore()
	req := pendingReq(clk, -time.Second, time.Hour)
	req.Status = requests.StatusRunning
	req.Attempts = 3
	id := store.add(req)

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		return outcome(driver.Success, "")
	}), Options{MaxAttempts: 3}, clk)

	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	c.step(context.Background())

	if calls != 0 {
		t.Errorf("driver calls after recovery = %d, want 0", calls)
	}
	got := store.get(id)
	if got.Status != requests.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (never past the cap)", got.Attempts)
	}
	if got.LastError == nil || *got.LastError != requests.ClassRetriesExhausted {
		t.Errorf("last error = %v, want %s", got.LastError, requests.ClassRetriesExhausted)
	}
}

func TestTimeoutOutcomeRetriesWithinBudget(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, time.Hour))

	calls := 0
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		calls++
		if calls == 1 {
			return outcome(driver.Timeout, requests.ClassTimeout)
		}
		return driver.Outcome{Class: driver.Success, Confirmation: "booked"}
	}), Options{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 10 * time.Second}, clk)

	c.step(context.Background())
	clk.advance(time.Minute)
	c.step(context.Background())

	got := store.get(id)
	if got.Status != requests.StatusSucceeded || got.Attempts != 2 {
		t.Errorf("got %s/%d, want succeeded/2", got.Status, got.Attempts)
	}
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	var ids []int64
	for i := 0; i < 4; i++ {
		ids = append(ids, store.add(pendingReq(clk, -time.Second, 24*time.Hour)))
	}

	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		return outcome(driver.RecoverableFailure, requests.ClassPortalError)
	}), Options{MaxAttempts: 3, MaxConcurrent: 2, BackoffBase: time.Second, BackoffMax: 5 * time.Second}, clk)

	for i := 0; i < 10; i++ {
		c.step(context.Background())
		clk.advance(time.Minute)
	}

	for _, id := range ids {
		got := store.get(id)
		if got.Attempts > 3 {
			t.Errorf("request %d attempts = %d, exceeds max", id, got.Attempts)
		}
		if !got.Status.Terminal() {
			t.Errorf("request %d still %s after exhausting retries", id, got.Status)
		}
	}
}

func TestBackoffDelayMonotoneAndCapped(t *testing.T) {
	base := 500 * time.Millisecond
	max := 8 * time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(base, max, 0, attempt, nil)
		if d < prev {
			t.Errorf("attempt %d: delay %v < previous %v", attempt, d, prev)
		}
		if d > max {
			t.Errorf("attempt %d: delay %v above ceiling", attempt, d)
		}
		prev = d
	}
	if got := backoffDelay(base, max, 0, 1, nil); got != base {
		t.Errorf("first delay = %v, want base %v", got, base)
	}
	if got := backoffDelay(base, max, 0, 10, nil); got != max {
		t.Errorf("late delay = %v, want ceiling %v", got, max)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	base := time.Second
	max := time.Minute
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		r := r
		d := backoffDelay(base, max, 0.2, 3, func() float64 { return r })
		lo := time.Duration(float64(4*time.Second) * 0.8)
		hi := time.Duration(float64(4*time.Second) * 1.2)
		if d < lo || d > hi {
			t.Errorf("rand=%v: delay %v outside [%v, %v]", r, d, lo, hi)
		}
	}
}

func TestGracefulStopWaitsForInflight(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := newMemStore()
	id := store.add(pendingReq(clk, -time.Second, time.Hour))

	started := make(chan struct{})
	release := make(chan struct{})
	c := newTestCore(store, driverFunc(func(ctx context.Context, req requests.Request) driver.Outcome {
		close(started)
		<-release
		return driver.Outcome{Class: driver.Success, Confirmation: "booked"}
	}), Options{MaxAttempts: 3, PollInterval: 50 * time.Millisecond}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while an attempt was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the attempt finished")
	}

	if got := store.get(id); got.Status != requests.StatusSucceeded {
		t.Errorf("in-flight outcome lost: status = %s", got.Status)
	}
}
