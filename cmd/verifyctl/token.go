package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/civicworks/engage/internal/auth"
)

func tokenCmd(root *rootOptions) *cobra.Command {
	var (
		tenantID string
		userID   string
		email    string
		roles    []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with the server's JWT key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWT.SigningKey == "" {
				return errors.New("no signing key: set ENGAGE_AUTH_JWT_SIGNINGKEY")
			}
			if _, err := uuid.Parse(tenantID); err != nil {
				return fmt.Errorf("--tenant must be a UUID: %w", err)
			}
			if userID == "" {
				userID = uuid.NewString()
			}

			svc := auth.NewTokenService(cfg.Auth.JWT.SigningKey, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.ExpiryHours)
			token, err := svc.CreateAccessToken(&auth.Identity{
				UserID:   userID,
				TenantID: tenantID,
				Email:    email,
				Roles:    roles,
			})
			if err != nil {
				return fmt.Errorf("creating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (UUID)")
	cmd.Flags().StringVar(&userID, "user", "", "User id (random when omitted)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{"caseworker"}, "Roles to grant")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
