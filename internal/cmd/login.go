package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joshdurbin/strava-stats/internal/auth"
	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/spf13/cobra"
)

// LoginConfig holds the flags of the login command
type LoginConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	JSON         bool
}

func newLoginCmd() *cobra.Command {
	cfg := &LoginConfig{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize with Strava in the browser and print an access token",
		Long: `Login opens the Strava authorization page, waits for the redirect on a local
callback server and exchanges the code for an access token. The token is
printed, not stored; pass it to other commands with --token or
` + envAccessToken + `.

The redirect URL must match the authorization callback domain configured at
https://www.strava.com/settings/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ClientID == "" {
				cfg.ClientID = envOr(envClientID, "")
			}
			if cfg.ClientSecret == "" {
				cfg.ClientSecret = envOr(envClientSecret, "")
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runLogin(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&cfg.ClientID, "client-id", "", "Strava API client ID (default $"+envClientID+")")
	cmd.Flags().StringVar(&cfg.ClientSecret, "client-secret", "", "Strava API client secret (default $"+envClientSecret+")")
	cmd.Flags().StringVar(&cfg.RedirectURL, "redirect-url", auth.DefaultRedirectURL, "local callback URL")
	cmd.Flags().BoolVar(&cfg.JSON, "json", false, "print the whole token as JSON")

	return cmd
}

func runLogin(ctx context.Context, cfg *LoginConfig, out, errOut io.Writer) error {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return errors.New("--client-id and --client-secret are required")
	}

	token, err := auth.Authenticate(ctx, auth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
	}, errOut)
	if err != nil {
		return fmt.Errorf("OAuth flow failed: %w", err)
	}

	logging.Logger.Info().
		Int64("athlete_id", token.AthleteID).
		Str("expires_at", time.Unix(token.ExpiresAt, 0).Format(time.RFC3339)).
		Msg("OAuth authentication successful")

	return printToken(out, token, cfg.JSON)
}

func printToken(out io.Writer, token *auth.Token, asJSON bool) error {
	if asJSON {
		_, err := fmt.Fprintln(out, logging.ToJSON(token))
		return err
	}
	fmt.Fprintf(out, "export %s=%s\n", envAccessToken, token.AccessToken)
	if token.ExpiresAt > 0 {
		fmt.Fprintf(out, "# expires %s\n", time.Unix(token.ExpiresAt, 0).Format(time.RFC1123))
	}
	if token.ExpiresSoon() {
		fmt.Fprintln(out, "# warning: the token expires within five minutes")
	}
	return nil
}
