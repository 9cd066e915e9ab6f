package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/libcal"
)

// Fetcher is the slice of the portal client the refresher needs.
type Fetcher interface {
	FetchGrid(ctx context.Context, seatID int64, startDate, endDate string) ([]libcal.Slot, error)
}

// Refresher pulls the full zone grid and folds it into the cache. The zone
// query returns every seat's slots keyed by itemId, so seat discovery and
// availability capture are one request per refresh.
type Refresher struct {
	store   *Store
	portal  Fetcher
	baseURL string
	log     zerolog.Logger
}

func NewRefresher(store *Store, portal Fetcher, baseURL string, log zerolog.Logger) *Refresher {
	return &Refresher{store: store, portal: portal, baseURL: baseURL, log: log}
}

// RefreshRange captures availability for [start, end) days. Returns the
// number of seats processed.
func (r *Refresher) RefreshRange(ctx context.Context, start, end time.Time) (int, error) {
	slots, err := r.portal.FetchGrid(ctx, 0, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return 0, err
	}

	bySeat := map[int64][]libcal.Slot{}
	for _, slot := range slots {
		if slot.ItemID == 0 {
			continue
		}
		bySeat[slot.ItemID] = append(bySeat[slot.ItemID], slot)
	}

	for seatID, seatSlots := range bySeat {
		seat := Seat{ID: seatID, URL: fmt.Sprintf("%s/seat/%d", r.baseURL, seatID)}
		if err := r.store.UpsertSeat(ctx, seat); err != nil {
			return 0, err
		}
		if err := r.store.UpsertTimeslots(ctx, seatID, seatSlots); err != nil {
			return 0, err
		}
	}

	r.log.Info().
		Int("seats", len(bySeat)).
		Int("slots", len(slots)).
		Str("start", start.Format("2006-01-02")).
		Str("end", end.Format("2006-01-02")).
		Msg("availability refreshed")
	return len(bySeat), nil
}

// CleanupBefore drops slots that ended before the cutoff (nightly job).
func (r *Refresher) CleanupBefore(ctx context.Context, cutoff time.Time) error {
	n, err := r.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	r.log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("availability cleanup")
	return nil
}
