package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/config"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

// 開発用にアクセストークンを発行する
func tokenCmd() *cobra.Command {
	var (
		sub, org, store int64
		roles           string
		superAdmin      bool
		owner           bool
		ttl             time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProd() {
				return errors.New("token issuing is disabled in prod")
			}

			now := time.Now()
			claims := jwt.MapClaims{
				"sub":         sub,
				"org":         org,
				"store":       store,
				"roles":       strings.Split(roles, ","),
				"super_admin": superAdmin,
				"owner":       owner,
				"iat":         now.Unix(),
				"exp":         now.Add(ttl).Unix(),
			}

			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&sub, "sub", 1, "user id")
	cmd.Flags().Int64Var(&org, "org", 1, "organization id")
	cmd.Flags().Int64Var(&store, "store", 1, "store id")
	cmd.Flags().StringVar(&roles, "roles", "customer", "comma separated roles")
	cmd.Flags().BoolVar(&superAdmin, "super-admin", false, "super admin")
	cmd.Flags().BoolVar(&owner, "owner", false, "organization owner")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
