package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/libcal-scheduler/internal/requests"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Manage reservation requests",
	}
	cmd.AddCommand(newRequestCreateCmd())
	cmd.AddCommand(newRequestListCmd())
	cmd.AddCommand(newRequestCancelCmd())
	return cmd
}

func newRequestCreateCmd() *cobra.Command {
	var (
		seatID      int64
		date        string
		from        string
		to          string
		checkinCode string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Queue a seat booking, or a check-in when --checkin-code is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			loc := a.cfg.Location()
			day, err := time.ParseInLocation("2006-01-02", date, loc)
			if err != nil {
				return fmt.Errorf("invalid --date (want YYYY-MM-DD): %w", err)
			}
			start, err := atTime(day, from, loc)
			if err != nil {
				return fmt.Errorf("invalid --from (want HH:MM): %w", err)
			}

			req := requests.Request{SlotStart: start}
			if checkinCode != "" {
				req.Kind = requests.KindCheckin
				req.CheckinCode = checkinCode
				req.OpenAt = start.Add(5 * time.Minute)
			} else {
				end, err := atTime(day, to, loc)
				if err != nil {
					return fmt.Errorf("invalid --to (want HH:MM): %w", err)
				}
				openAt, err := requests.OpenAtFor(start, a.cfg.ReleaseDaysOut, a.cfg.ReleaseTime, loc)
				if err != nil {
					return err
				}
				req.Kind = requests.KindBook
				req.SeatID = seatID
				req.SlotDate = day
				req.SlotEnd = end
				req.OpenAt = openAt
			}
			req.DeadlineAt = requests.DeadlineFor(req.OpenAt, time.Now(), a.cfg.AttemptWindow)
			req.NextAttemptAt = req.OpenAt

			if err := req.Validate(); err != nil {
				return err
			}

			id, err := requests.NewRepo(a.db).Create(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "request %d queued, opens %s\n", id, req.OpenAt.In(loc).Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().Int64Var(&seatID, "seat", 0, "seat id to book")
	c.Flags().StringVar(&date, "date", "", "slot date (YYYY-MM-DD)")
	c.Flags().StringVar(&from, "from", "", "slot start (HH:MM, local)")
	c.Flags().StringVar(&to, "to", "", "slot end (HH:MM, local)")
	c.Flags().StringVar(&checkinCode, "checkin-code", "", "check-in code to run instead of booking")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("from")
	return c
}

func newRequestListCmd() *cobra.Command {
	var status string

	c := &cobra.Command{
		Use:   "list",
		Short: "List reservation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := requests.NewRepo(a.db).List(ctx, requests.Filter{Status: requests.Status(status)})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(os.Stdout, "no requests")
				return nil
			}
			loc := a.cfg.Location()
			for _, req := range list {
				target := fmt.Sprintf("seat %d %s-%s", req.SeatID,
					req.SlotStart.In(loc).Format("2006-01-02 15:04"),
					req.SlotEnd.In(loc).Format("15:04"))
				if req.Kind == requests.KindCheckin {
					target = "checkin " + req.CheckinCode
				}
				line := fmt.Sprintf("%-5d %-9s %-8s attempts=%d %s", req.ID, req.Status, req.Kind, req.Attempts, target)
				if req.LastError != nil && *req.LastError != "" {
					line += " (" + requests.HumanError(*req.LastError) + ")"
				}
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}

	c.Flags().StringVar(&status, "status", "", "filter by status (pending|running|succeeded|failed|cancelled)")
	return c
}

func newRequestCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := requests.NewRepo(a.db).Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "request %d cancelled\n", id)
			return nil
		},
	}
}

// atTime combines a local date with an HH:MM clock value.
func atTime(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", day.Format("2006-01-02")+" "+clock, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
