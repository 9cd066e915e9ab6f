// Package scheduler runs the wait/dispatch loop: wake at the next due
// attempt (or the poll interval, whichever is sooner), claim due requests
// with a compare-and-set, drive them through the automation driver, and
// apply the retry policy to the outcome.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/driver"
	"github.com/example/libcal-scheduler/internal/requests"
)

// Store is the slice of the request repository the core needs. The
// compare-and-set in UpdateStatus is the only synchronization mechanism; the
// core holds no cross-restart state of its own.
type Store interface {
	Due(ctx context.Context, now time.Time, limit int) ([]requests.Request, error)
	NextWake(ctx context.Context) (time.Time, bool, error)
	UpdateStatus(ctx context.Context, id int64, expected, next requests.Status, f requests.Fields) error
	ResetRunning(ctx context.Context) (int64, error)
}

type Options struct {
	PollInterval  time.Duration
	MaxAttempts   int
	MaxConcurrent int
	DriverTimeout time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	JitterFactor  float64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 5
	}
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 3
	}
	if o.DriverTimeout <= 0 {
		o.DriverTimeout = 90 * time.Second
	}
	return o
}

type Core struct {
	store  Store
	driver driver.Driver
	opts   Options
	log    zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	// injectable for tests
	now       func() time.Time
	randFloat func() float64
}

func New(store Store, d driver.Driver, opts Options, log zerolog.Logger) *Core {
	opts = opts.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return &Core{
		store:  store,
		driver: d,
		opts:   opts,
		log:    log,
		sem:    make(chan struct{}, opts.MaxConcurrent),
		now:    time.Now,
		randFloat: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		},
	}
}

// Run blocks until ctx is cancelled. In-flight attempts are allowed to
// finish before it returns; their outcomes are recorded on a context
// detached from the loop's cancellation.
func (c *Core) Run(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		return err
	}

	for {
		c.tick(ctx)

		timer := time.NewTimer(c.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.wg.Wait()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Recover resets requests left running by a crashed process. The outcome of
// an interrupted attempt is unknown and is never assumed successful; the
// request simply becomes pending again with its attempt count untouched.
func (c *Core) Recover(ctx context.Context) error {
	n, err := c.store.ResetRunning(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.log.Warn().Int64("requests", n).Msg("recovered interrupted attempts")
	}
	return nil
}

// nextWait picks the sleep until the next due attempt, bounded by the poll
// interval so new requests and cancellations are noticed promptly.
func (c *Core) nextWait(ctx context.Context) time.Duration {
	wait := c.opts.PollInterval
	at, ok, err := c.store.NextWake(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("next wake query failed")
		return wait
	}
	if ok {
		if d := at.Sub(c.now()); d < wait {
			wait = d
		}
	}
	// floor avoids a tight loop when due work is waiting on the semaphore
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}
	return wait
}

func (c *Core) tick(ctx context.Context) {
	now := c.now()
	due, err := c.store.Due(ctx, now, 4*c.opts.MaxConcurrent)
	if err != nil {
		c.log.Error().Err(err).Msg("due query failed")
		return
	}

	for _, req := range due {
		// a worker that was down past the whole window cannot book anymore
		if now.After(req.DeadlineAt) {
			c.failPending(ctx, req, requests.ClassWindowMissed)
			continue
		}
		// a crash during the last attempt leaves a recovered pending row
		// with no budget left; claiming it would overrun the cap
		if req.Attempts >= c.opts.MaxAttempts {
			c.failPending(ctx, req, requests.ClassRetriesExhausted)
			continue
		}

		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		req := req
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.dispatch(ctx, req)
		}()
	}
}

func (c *Core) dispatch(ctx context.Context, req requests.Request) {
	now := c.now()

	// claim: losing the race means another instance took it or the UI
	// cancelled; both are fine
	err := c.store.UpdateStatus(ctx, req.ID, requests.StatusPending, requests.StatusRunning, requests.Fields{
		AttemptsDelta: 1,
		LastAttemptAt: &now,
	})
	if err != nil {
		if errors.Is(err, requests.ErrStaleStatus) {
			c.log.Debug().Int64("request", req.ID).Msg("claim lost")
			return
		}
		c.log.Error().Err(err).Int64("request", req.ID).Msg("claim failed")
		return
	}
	attempt := req.Attempts + 1

	c.log.Info().
		Int64("request", req.ID).
		Str("kind", string(req.Kind)).
		Int("attempt", attempt).
		Msg("dispatching")

	// the driver call and the outcome write survive a graceful stop; a hard
	// kill mid-call is what startup recovery is for
	base := context.WithoutCancel(ctx)
	dctx, cancel := context.WithTimeout(base, c.opts.DriverTimeout)
	out := c.driver.Attempt(dctx, req)
	cancel()

	c.apply(base, req, attempt, out)
}

func (c *Core) apply(ctx context.Context, req requests.Request, attempt int, out driver.Outcome) {
	switch out.Class {
	case driver.Success:
		err := c.store.UpdateStatus(ctx, req.ID, requests.StatusRunning, requests.StatusSucceeded, requests.Fields{
			SetLastError: true,
			Confirmation: &out.Confirmation,
		})
		c.logOutcome(err, req.ID, "succeeded", "")

	case driver.DefiniteFailure:
		c.failRunning(ctx, req, out.Reason)

	case driver.RecoverableFailure, driver.Timeout:
		// a timed-out attempt has an unknown result, same as a crash; it goes
		// back to pending rather than being presumed booked
		if attempt >= c.opts.MaxAttempts {
			c.failRunning(ctx, req, requests.ClassRetriesExhausted)
			return
		}
		delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffMax, c.opts.JitterFactor, attempt, c.randFloat)
		next := c.now().Add(delay)
		if next.After(req.DeadlineAt) {
			c.failRunning(ctx, req, requests.ClassWindowMissed)
			return
		}
		err := c.store.UpdateStatus(ctx, req.ID, requests.StatusRunning, requests.StatusPending, requests.Fields{
			NextAttemptAt: &next,
			LastError:     &out.Reason,
			SetLastError:  true,
		})
		if err != nil {
			c.logOutcome(err, req.ID, "retry", out.Reason)
			return
		}
		c.log.Info().
			Int64("request", req.ID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("reason", out.Reason).
			Msg("retry scheduled")
	}
}

func (c *Core) failRunning(ctx context.Context, req requests.Request, class string) {
	err := c.store.UpdateStatus(ctx, req.ID, requests.StatusRunning, requests.StatusFailed, requests.Fields{
		LastError:    &class,
		SetLastError: true,
	})
	c.logOutcome(err, req.ID, "failed", class)
}

func (c *Core) failPending(ctx context.Context, req requests.Request, class string) {
	err := c.store.UpdateStatus(ctx, req.ID, requests.StatusPending, requests.StatusFailed, requests.Fields{
		LastError:    &class,
		SetLastError: true,
	})
	if errors.Is(err, requests.ErrStaleStatus) {
		return
	}
	c.logOutcome(err, req.ID, "failed", class)
}

func (c *Core) logOutcome(err error, id int64, state, class string) {
	if err != nil {
		c.log.Error().Err(err).Int64("request", id).Msg("status update failed")
		return
	}
	ev := c.log.Info().Int64("request", id)
	if class != "" {
		ev = ev.Str("classification", class)
	}
	ev.Msg(state)
}
