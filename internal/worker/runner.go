package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron schedules for the maintenance jobs, in the worker's timezone.
const (
	// Nightly housekeeping: drop past availability rows, capture the next
	// bookable days. 04:05 keeps clear of the portal's midnight rollover.
	SpecNightly = "5 4 * * *"
	// Refresh today's grid twice an hour through opening hours.
	SpecRefreshToday = "15,45 8-20 * * *"
	// Hunting pass on the half hour through opening hours.
	SpecHuntTick = "0,30 9-20 * * *"
)

// Core is the scheduling loop the runner hosts. It blocks until ctx is done.
type Core interface {
	Run(ctx context.Context) error
}

// Maintainer is the availability refresher slice the cron jobs need.
type Maintainer interface {
	RefreshRange(ctx context.Context, start, end time.Time) (int, error)
	CleanupBefore(ctx context.Context, cutoff time.Time) error
}

// HuntTicker runs one hunting pass.
type HuntTicker interface {
	Tick(ctx context.Context) error
}

type Options struct {
	HeartbeatInterval time.Duration
	InstanceTTL       time.Duration
	RefreshDays       int // horizon for the nightly capture
	Location          *time.Location
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.InstanceTTL <= 0 {
		o.InstanceTTL = 3 * o.HeartbeatInterval
	}
	if o.RefreshDays <= 0 {
		o.RefreshDays = 5
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Runner owns one worker process: it registers the instance, heartbeats,
// hosts the scheduler core, and drives the cron maintenance jobs. Run
// returns once the core has drained after ctx cancellation.
type Runner struct {
	registry *Registry
	core     Core
	maint    Maintainer
	hunter   HuntTicker
	opts     Options
	log      zerolog.Logger

	now func() time.Time
}

func NewRunner(registry *Registry, core Core, maint Maintainer, hunter HuntTicker, opts Options, log zerolog.Logger) *Runner {
	return &Runner{
		registry: registry,
		core:     core,
		maint:    maint,
		hunter:   hunter,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "worker").Logger(),
		now:      time.Now,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	inst := Self()
	if err := r.registry.Register(ctx, inst); err != nil {
		return err
	}
	r.log.Info().Str("instance", inst.ID).Msg("worker registered")
	defer func() {
		// Deregistration happens after ctx is cancelled.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.registry.Deregister(dctx, inst.ID); err != nil {
			r.log.Warn().Err(err).Msg("worker deregistration failed")
		} else {
			r.log.Info().Str("instance", inst.ID).Msg("worker deregistered")
		}
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(ctx, inst.ID)
	}()

	c := cron.New(cron.WithLocation(r.opts.Location))
	if err := r.addJobs(ctx, c); err != nil {
		return err
	}
	c.Start()

	err := r.core.Run(ctx)

	cronCtx := c.Stop()
	<-cronCtx.Done()
	<-hbDone
	return err
}

func (r *Runner) heartbeatLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.registry.Heartbeat(ctx, id); err != nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (r *Runner) addJobs(ctx context.Context, c *cron.Cron) error {
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context) error
	}{
		{SpecNightly, "nightly maintenance", r.nightly},
		{SpecRefreshToday, "refresh today", r.refreshToday},
		{SpecHuntTick, "hunt tick", r.hunter.Tick},
	}
	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.spec, func() {
			if err := job.fn(ctx); err != nil {
				r.log.Error().Err(err).Str("job", job.name).Msg("cron job failed")
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// nightly drops availability rows that ended before today and recaptures
// the refresh horizon, reaping dead worker rows while it is at it.
func (r *Runner) nightly(ctx context.Context) error {
	today := r.today()
	if err := r.maint.CleanupBefore(ctx, today); err != nil {
		return err
	}
	if _, err := r.maint.RefreshRange(ctx, today, today.AddDate(0, 0, r.opts.RefreshDays)); err != nil {
		return err
	}
	if n, err := r.registry.Reap(ctx, r.opts.InstanceTTL); err != nil {
		r.log.Warn().Err(err).Msg("worker reap failed")
	} else if n > 0 {
		r.log.Info().Int64("rows", n).Msg("reaped dead worker rows")
	}
	return nil
}

func (r *Runner) refreshToday(ctx context.Context) error {
	today := r.today()
	_, err := r.maint.RefreshRange(ctx, today, today.AddDate(0, 0, 1))
	return err
}

func (r *Runner) today() time.Time {
	now := r.now().In(r.opts.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.opts.Location)
}
