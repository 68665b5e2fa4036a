package cli

import (
	"time"

	"github.com/spf13/cobra"

	"portfolio-realtime/internal/security"
)

func newTokenCmd(app *App) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development token with the configured secret",
		Long: `Sign an HS256 bearer token accepted by this service's configuration.
The required scope is always included. Intended for local development.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			token, err := security.IssueToken(app.Config.AuthConfig(), subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			issued := map[string]interface{}{
				"token":      token,
				"subject":    subject,
				"expires_at": time.Now().Add(ttl).UTC(),
			}
			return output.Emit(issued, func() { output.Println(token) })
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "user id (token subject)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "extra scope, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
