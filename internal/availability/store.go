// Package availability caches the portal's seat/timeslot grid in a local
// sqlite database, kept separate from the request store: it is bulky,
// rebuildable data the hunting queries scan repeatedly.
package availability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/libcal-scheduler/internal/libcal"
)

const schema = `
CREATE TABLE IF NOT EXISTS seats (
  seat_id         INTEGER PRIMARY KEY,
  seat_url        TEXT,
  seat_name       TEXT,
  power_available INTEGER          -- 0/1/NULL
);

CREATE TABLE IF NOT EXISTS timeslots (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  seat_id     INTEGER NOT NULL,
  start_at    TEXT NOT NULL,       -- "YYYY-MM-DD HH:MM:SS", portal-local time
  end_at      TEXT NOT NULL,
  status      TEXT NOT NULL,
  class_name  TEXT NOT NULL,
  checksum    TEXT,
  captured_at TEXT NOT NULL,
  UNIQUE(seat_id, start_at, end_at)
);

CREATE INDEX IF NOT EXISTS idx_timeslots_lookup ON timeslots(seat_id, start_at, end_at);
CREATE INDEX IF NOT EXISTS idx_seats_name ON seats(seat_name);
`

// TimeFormat is how the portal (and therefore this cache) renders slot times.
const TimeFormat = "2006-01-02 15:04:05"

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("availability db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite prefers a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type Seat struct {
	ID             int64
	URL            string
	Name           string
	PowerAvailable *bool
}

func (s *Store) UpsertSeat(ctx context.Context, seat Seat) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO seats(seat_id, seat_url, seat_name, power_available)
VALUES(?,?,?,?)
ON CONFLICT(seat_id) DO UPDATE SET
  seat_url=excluded.seat_url,
  seat_name=COALESCE(excluded.seat_name, seat_name),
  power_available=COALESCE(excluded.power_available, power_available)`,
		seat.ID, seat.URL, nullStr(seat.Name), nullBool(seat.PowerAvailable))
	return err
}

// UpsertTimeslots records one seat's grid slots, translating the portal's
// CSS class into an availability status.
func (s *Store) UpsertTimeslots(ctx context.Context, seatID int64, slots []libcal.Slot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	capturedAt := time.Now().UTC().Format(time.RFC3339)
	for _, slot := range slots {
		if slot.Start == "" || slot.End == "" {
			continue
		}
		status := libcal.StatusFromClassName(slot.ClassName)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO timeslots(seat_id, start_at, end_at, status, class_name, checksum, captured_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(seat_id, start_at, end_at) DO UPDATE SET
  status=excluded.status,
  class_name=excluded.class_name,
  checksum=excluded.checksum,
  captured_at=excluded.captured_at`,
			seatID, slot.Start, slot.End, status, slot.ClassName, nullStr(slot.Checksum), capturedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FullyAvailableSeats returns seats whose every timeslot inside [start, end)
// is available: a seat bookable for the whole interval.
func (s *Store) FullyAvailableSeats(ctx context.Context, start, end time.Time) ([]Seat, error) {
	x, y := start.Format(TimeFormat), end.Format(TimeFormat)
	rows, err := s.db.QueryContext(ctx, `
WITH interval_slots AS (
  SELECT start_at, end_at
  FROM timeslots
  WHERE start_at >= ?1 AND end_at <= ?2
  GROUP BY start_at, end_at
),
needed AS (SELECT COUNT(*) AS n FROM interval_slots),
per_seat AS (
  SELECT seat_id, COUNT(*) AS k
  FROM timeslots
  WHERE status = ?3 AND start_at >= ?1 AND end_at <= ?2
  GROUP BY seat_id
)
SELECT s.seat_id, s.seat_url, COALESCE(s.seat_name,''), s.power_available
FROM per_seat p
JOIN needed n
JOIN seats s ON s.seat_id = p.seat_id
WHERE p.k = n.n AND n.n > 0
ORDER BY (s.seat_name IS NULL) ASC, s.seat_name ASC, s.seat_id ASC`,
		x, y, libcal.StatusAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSeats(rows)
}

// SnipableSeats lists seats that are booked for the slot starting at
// releaseAt minus lead: their holders must check in by releaseAt or the
// seat frees up. These are the hunting candidates worth re-checking live.
func (s *Store) SnipableSeats(ctx context.Context, releaseAt time.Time, lead time.Duration) ([]Seat, error) {
	startAt := releaseAt.Add(-lead).Format(TimeFormat)
	rows, err := s.db.QueryContext(ctx, `
SELECT s.seat_id, s.seat_url, COALESCE(s.seat_name,''), s.power_available
FROM timeslots t
JOIN seats s ON s.seat_id = t.seat_id
WHERE t.start_at = ? AND t.status = ?
ORDER BY (s.seat_name IS NULL) ASC, s.seat_name ASC, s.seat_id ASC`,
		startAt, libcal.StatusUnavailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSeats(rows)
}

// DeleteBefore drops timeslots that ended before the cutoff; the nightly job
// uses it so the cache holds only the bookable horizon.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timeslots WHERE end_at < ?`, cutoff.Format(TimeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) SeatCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seats`).Scan(&n)
	return n, err
}

func scanSeats(rows *sql.Rows) ([]Seat, error) {
	var out []Seat
	for rows.Next() {
		var seat Seat
		var url *string
		var power *int64
		if err := rows.Scan(&seat.ID, &url, &seat.Name, &power); err != nil {
			return nil, err
		}
		if url != nil {
			seat.URL = *url
		}
		if power != nil {
			b := *power != 0
			seat.PowerAvailable = &b
		}
		out = append(out, seat)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return int64(1)
	}
	return int64(0)
}

// ParseSlotTime parses a portal slot timestamp in the given location.
func ParseSlotTime(v string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(TimeFormat, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad slot time %q: %w", v, err)
	}
	return t, nil
}
