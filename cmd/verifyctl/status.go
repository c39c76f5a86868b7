package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/civicworks/engage/internal/engagement"
	"github.com/civicworks/engage/internal/verifyclient"
)

type apiOptions struct {
	baseURL string
	token   string
}

func (o *apiOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.baseURL, "api-url", envOr("ENGAGE_API_URL", "http://localhost:8080"), "Engage API base URL")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv("ENGAGE_TOKEN"), "Bearer token (defaults to $ENGAGE_TOKEN)")
}

func (o *apiOptions) client() *verifyclient.Client {
	return verifyclient.New(o.baseURL, o.token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func initiateCmd() *cobra.Command {
	api := &apiOptions{}
	cmd := &cobra.Command{
		Use:   "initiate [activity-id]",
		Short: "Start payroll verification for an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := api.client().Initiate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verification_url: %s\nexpires_at: %s\n", out.VerificationURL, out.ExpiresAt)
			return nil
		},
	}
	api.register(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	api := &apiOptions{}
	var (
		watch    bool
		interval time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "status [activity-id]",
		Short: "Show an activity's verification status",
		Long: `Show an activity's verification status. With --watch, poll until the
status leaves pending, printing each change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.client()
			out := cmd.OutOrStdout()

			if !watch {
				snap, err := client.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printSnapshot(out, *snap, asJSON)
			}

			var printErr error
			_, err := client.PollStatus(cmd.Context(), args[0], interval, func(s engagement.StatusSnapshot) {
				if err := printSnapshot(out, s, asJSON); err != nil && printErr == nil {
					printErr = err
				}
			})
			if err != nil {
				return err
			}
			return printErr
		},
	}
	api.register(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the status is terminal")
	cmd.Flags().DurationVar(&interval, "interval", verifyclient.DefaultPollInterval, "Polling interval for --watch")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func printSnapshot(w io.Writer, s engagement.StatusSnapshot, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(s)
	}
	line := fmt.Sprintf("%s  %s", s.ActivityID, s.VerificationStatus)
	if s.WebhookReceivedAt != nil {
		line += "  webhook " + s.WebhookReceivedAt.Format(time.RFC3339)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
