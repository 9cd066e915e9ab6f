package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/libcal-scheduler/internal/availability"
	"github.com/example/libcal-scheduler/internal/driver"
	"github.com/example/libcal-scheduler/internal/hunt"
	"github.com/example/libcal-scheduler/internal/logging"
	"github.com/example/libcal-scheduler/internal/requests"
	"github.com/example/libcal-scheduler/internal/scheduler"
	"github.com/example/libcal-scheduler/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the background worker that executes reservation requests",
	}
	cmd.AddCommand(newWorkerRunCmd())
	cmd.AddCommand(newWorkerStartCmd())
	cmd.AddCommand(newWorkerStopCmd())
	cmd.AddCommand(newWorkerStatusCmd())
	return cmd
}

func newWorkerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			cache, err := availability.Open(a.cfg.AvailabilityDB)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			profiles, err := a.profiles()
			if err != nil {
				return err
			}

			portal := a.portal()
			refresher := availability.NewRefresher(cache, portal, a.cfg.PortalBaseURL, a.log)
			repo := requests.NewRepo(a.db)

			core := scheduler.New(repo, driver.NewLibCal(portal, profiles), scheduler.Options{
				PollInterval:  a.cfg.PollInterval,
				MaxAttempts:   a.cfg.MaxAttempts,
				MaxConcurrent: a.cfg.MaxConcurrent,
				DriverTimeout: a.cfg.DriverTimeout,
				BackoffBase:   a.cfg.BackoffBase,
				BackoffMax:    a.cfg.BackoffMax,
				JitterFactor:  a.cfg.JitterFactor,
			}, a.log)

			hunter := hunt.New(hunt.NewStateRepo(a.db), cache, refresher, portal, profiles, hunt.Options{}, a.log)

			runner := worker.NewRunner(worker.NewRegistry(a.db), core, refresher, hunter, worker.Options{
				HeartbeatInterval: a.cfg.HeartbeatInterval,
				InstanceTTL:       a.cfg.InstanceTTL,
				Location:          a.cfg.Location(),
			}, a.log)

			return runner.Run(ctx)
		},
	}
}

func newWorkerStartCmd() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker as a detached background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			registry := worker.NewRegistry(a.db)
			live, err := liveInstances(ctx, registry, a.cfg.InstanceTTL)
			if err != nil {
				return err
			}
			if len(live) > 0 {
				if !replace {
					return fmt.Errorf("a worker is already running (%s); use --replace to restart it", live[0].ID)
				}
				for _, inst := range live {
					if err := signalInstance(inst, syscall.SIGTERM); err != nil {
						return err
					}
					if err := waitForDeregistration(ctx, registry, inst.ID, 30*time.Second); err != nil {
						return err
					}
				}
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			child := exec.Command(exe, "worker", "run")
			child.Stdout = nil
			child.Stderr = nil
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return err
			}
			// Detach: the child deregisters itself on shutdown.
			if err := child.Process.Release(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "worker started (pid %d)\n", child.Process.Pid)
			return nil
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "stop a running worker before starting")
	return cmd
}

func newWorkerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running worker and wait for it to drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			registry := worker.NewRegistry(a.db)
			live, err := liveInstances(ctx, registry, a.cfg.InstanceTTL)
			if err != nil {
				return err
			}
			if len(live) == 0 {
				return fmt.Errorf("no live worker registered")
			}
			for _, inst := range live {
				if err := signalInstance(inst, syscall.SIGTERM); err != nil {
					return err
				}
				if err := waitForDeregistration(ctx, registry, inst.ID, 30*time.Second); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "worker %s stopped\n", inst.ID)
			}
			return nil
		},
	}
}

func newWorkerStatusCmd() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registered workers and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			registry := worker.NewRegistry(a.db)
			instances, err := registry.List(ctx)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Fprintln(os.Stdout, "no workers registered")
			}
			now := time.Now()
			for _, inst := range instances {
				state := "DEAD"
				if inst.Live(now, a.cfg.InstanceTTL) {
					state = "LIVE"
				}
				fmt.Fprintf(os.Stdout, "%-4s %-30s pid=%-7d started=%s heartbeat=%s ago\n",
					state, inst.ID, inst.PID,
					inst.StartedAt.Local().Format(time.RFC3339),
					now.Sub(inst.HeartbeatAt).Round(time.Second))
			}

			if tail > 0 {
				lines, err := logging.TailActivity(a.cfg.ActivityLogPath, tail)
				if err != nil {
					return err
				}
				if len(lines) > 0 {
					fmt.Fprintln(os.Stdout, "\nrecent activity:")
					for _, line := range lines {
						fmt.Fprintln(os.Stdout, line)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 10, "show the last N activity log lines (0 disables)")
	return cmd
}

func liveInstances(ctx context.Context, registry *worker.Registry, ttl time.Duration) ([]worker.Instance, error) {
	all, err := registry.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var live []worker.Instance
	for _, inst := range all {
		if inst.Live(now, ttl) {
			live = append(live, inst)
		}
	}
	return live, nil
}

// signalInstance delivers sig to a registered worker. Only workers on this
// host can be signalled; remote ones must be stopped where they run.
func signalInstance(inst worker.Instance, sig syscall.Signal) error {
	host, err := os.Hostname()
	if err != nil {
		return err
	}
	if inst.Hostname != host {
		return fmt.Errorf("worker %s runs on %s, not on this host", inst.ID, inst.Hostname)
	}
	if err := syscall.Kill(inst.PID, sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", inst.PID, err)
	}
	return nil
}

func waitForDeregistration(ctx context.Context, registry *worker.Registry, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		all, err := registry.List(ctx)
		if err != nil {
			return err
		}
		found := false
		for _, inst := range all {
			if inst.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("worker %s did not deregister within %s", id, timeout)
}
