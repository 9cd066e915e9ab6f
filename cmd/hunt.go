package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/libcal-scheduler/internal/hunt"
	"github.com/example/libcal-scheduler/internal/requests"
)

func newHuntCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hunt",
		Short: "Hunt for any matching seat instead of a specific one",
	}
	cmd.AddCommand(newHuntStartCmd())
	cmd.AddCommand(newHuntStopCmd())
	cmd.AddCommand(newHuntStatusCmd())
	return cmd
}

func newHuntStartCmd() *cobra.Command {
	var (
		date     string
		from     string
		to       string
		power    string
		prefixes string
	)

	c := &cobra.Command{
		Use:   "start",
		Short: "Activate hunting for a date and time window",
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
			end, err := atTime(day, to, loc)
			if err != nil {
				return fmt.Errorf("invalid --to (want HH:MM): %w", err)
			}

			params := hunt.StartParams{
				SlotDate:    day,
				WindowStart: start,
				WindowEnd:   end,
				PowerFilter: power,
			}
			if prefixes != "" {
				for _, p := range strings.Split(prefixes, ",") {
					if p = strings.TrimSpace(p); p != "" {
						params.AreaPrefixes = append(params.AreaPrefixes, p)
					}
				}
			}

			if err := hunt.NewStateRepo(a.db).Start(ctx, params); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "hunting %s %s-%s\n", date, from, to)
			return nil
		},
	}

	c.Flags().StringVar(&date, "date", "", "slot date (YYYY-MM-DD)")
	c.Flags().StringVar(&from, "from", "", "window start (HH:MM, local)")
	c.Flags().StringVar(&to, "to", "", "window end (HH:MM, local)")
	c.Flags().StringVar(&power, "power", hunt.PowerAny, "power filter (any|power|no_power)")
	c.Flags().StringVar(&prefixes, "areas", "", "comma-separated seat-name prefixes")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("to")
	return c
}

func newHuntStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Deactivate the current hunt",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := hunt.NewStateRepo(a.db).Stop(ctx, "stopped via cli"); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "hunt stopped")
			return nil
		},
	}
}

func newHuntStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the hunt state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := hunt.NewStateRepo(a.db).Get(ctx)
			if err != nil {
				return err
			}
			loc := a.cfg.Location()
			if st.Active {
				fmt.Fprintf(os.Stdout, "ACTIVE %s %s-%s power=%s",
					st.SlotDate.In(loc).Format("2006-01-02"),
					st.WindowStart.In(loc).Format("15:04"),
					st.WindowEnd.In(loc).Format("15:04"),
					st.PowerFilter)
				if len(st.AreaPrefixes) > 0 {
					fmt.Fprintf(os.Stdout, " areas=%s", strings.Join(st.AreaPrefixes, ","))
				}
				fmt.Fprintln(os.Stdout)
			} else {
				fmt.Fprintln(os.Stdout, "inactive")
			}
			if !st.LastRunAt.IsZero() {
				fmt.Fprintf(os.Stdout, "last run: %s\n", st.LastRunAt.In(loc).Format(time.RFC3339))
			}
			if st.StopReason != "" {
				fmt.Fprintf(os.Stdout, "stop reason: %s\n", st.StopReason)
			}
			if st.BookedSeatID != 0 {
				fmt.Fprintf(os.Stdout, "booked seat %d (%s)\n", st.BookedSeatID, st.BookedConfirmation)
			}
			if st.LastError != "" {
				fmt.Fprintf(os.Stdout, "last error: %s\n", requests.HumanError(st.LastError))
			}
			return nil
		},
	}
}
