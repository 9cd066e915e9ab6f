package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/example/libcal-scheduler/internal/db"
)

// Instance is one registered worker process. The registry replaces process
// scanning: liveness is decided from heartbeat age, never from the pid table.
type Instance struct {
	ID          string
	Hostname    string
	PID         int
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// Live reports whether the instance heartbeated within ttl of now.
func (i Instance) Live(now time.Time, ttl time.Duration) bool {
	return now.Sub(i.HeartbeatAt) <= ttl
}

// Self describes the current process as an instance.
func Self() Instance {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	pid := os.Getpid()
	return Instance{
		ID:       fmt.Sprintf("%s:%d", host, pid),
		Hostname: host,
		PID:      pid,
	}
}

type Registry struct {
	db *db.DB
}

func NewRegistry(d *db.DB) *Registry {
	return &Registry{db: d}
}

// Register inserts the instance, taking over a stale row for the same id
// (same host, recycled pid) if one was left behind by a crash.
func (r *Registry) Register(ctx context.Context, inst Instance) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO worker_instances (id, hostname, pid, started_at, heartbeat_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			pid = EXCLUDED.pid, started_at = now(), heartbeat_at = now()`,
		inst.ID, inst.Hostname, inst.PID)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	n, err := r.db.Exec(ctx, `
		UPDATE worker_instances SET heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM worker_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]Instance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, hostname, pid, started_at, heartbeat_at
		FROM worker_instances ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Hostname, &inst.PID, &inst.StartedAt, &inst.HeartbeatAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Reap drops rows whose heartbeat is older than ttl; crashed workers never
// deregister themselves.
func (r *Registry) Reap(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := r.db.Exec(ctx, `
		DELETE FROM worker_instances WHERE heartbeat_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reap workers: %w", err)
	}
	return n, nil
}
