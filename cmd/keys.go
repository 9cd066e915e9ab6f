package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate CRED_ENC_KEY and API_TOKEN values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := make([]byte, 32)
			token := make([]byte, 32)
			if _, err := rand.Read(enc); err != nil {
				return err
			}
			if _, err := rand.Read(token); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "export CRED_ENC_KEY=%s\n", base64.StdEncoding.EncodeToString(enc))
			fmt.Fprintf(os.Stdout, "export API_TOKEN=%s\n", base64.RawURLEncoding.EncodeToString(token))
			return nil
		},
	}
}
