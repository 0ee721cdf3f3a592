package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gatewarden/services/auth"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTokenMintCommand())
	return cmd
}

func newTokenMintCommand() *cobra.Command {
	var (
		subject    string
		role       string
		facilities []string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an operator, tenant or gateway bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("JWT_SIGNING_KEY")
			if key == "" {
				return fmt.Errorf("JWT_SIGNING_KEY is required")
			}
			tokens, err := auth.NewTokens(key)
			if err != nil {
				return err
			}
			p := auth.Principal{Subject: subject, Role: auth.Role(role), Facilities: facilities}
			if !p.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			raw, err := tokens.Mint(p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleFacilityManager), "admin, support, facility_manager, gateway or tenant")
	cmd.Flags().StringSliceVar(&facilities, "facility", nil, "Facility scope, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
