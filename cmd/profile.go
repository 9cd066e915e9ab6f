package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/libcal-scheduler/internal/db"
	"github.com/example/libcal-scheduler/internal/libcal"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the booking profile (stored encrypted)",
	}
	cmd.AddCommand(newProfileSetCmd())
	cmd.AddCommand(newProfileShowCmd())
	return cmd
}

func newProfileSetCmd() *cobra.Command {
	var prof libcal.Profile

	c := &cobra.Command{
		Use:   "set",
		Short: "Store the profile used for bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.profiles()
			if err != nil {
				return err
			}
			if err := repo.Save(ctx, prof); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "profile saved")
			return nil
		},
	}

	c.Flags().StringVar(&prof.FirstName, "first-name", "", "first name")
	c.Flags().StringVar(&prof.LastName, "last-name", "", "last name")
	c.Flags().StringVar(&prof.Email, "email", "", "email address")
	c.Flags().StringVar(&prof.Phone, "phone", "", "phone number")
	c.Flags().StringVar(&prof.StudentNumber, "student-number", "", "student number")
	for _, f := range []string{"first-name", "last-name", "email", "phone", "student-number"} {
		_ = c.MarkFlagRequired(f)
	}
	return c
}

func newProfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored profile (email and phone redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.profiles()
			if err != nil {
				return err
			}
			prof, err := repo.Get(ctx)
			if db.IsNotFound(err) {
				fmt.Fprintln(os.Stdout, "no profile stored; run `libsched profile set`")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %s <%s> phone=%s student=%s\n",
				prof.FirstName, prof.LastName, redact(prof.Email), redact(prof.Phone), prof.StudentNumber)
			return nil
		},
	}
}

func redact(v string) string {
	if len(v) <= 3 {
		return "***"
	}
	return v[:2] + strings.Repeat("*", len(v)-3) + v[len(v)-1:]
}
