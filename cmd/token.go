package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/jwt"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		audience string
		scopes   []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed service token",
		Long: `Issue an Ed25519-signed JWT using the private key from the auth section.

Scopes are read (search, fetch, sample, stats), write (add, update,
delete, upsert) and admin (reset, implies the others).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			for _, s := range scopes {
				switch s {
				case jwt.ScopeRead, jwt.ScopeWrite, jwt.ScopeAdmin:
				default:
					return fmt.Errorf("unknown scope %q", s)
				}
			}

			auth, err := jwt.NewJWTAuth(cfg.JWTConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize JWT auth: %w", err)
			}
			token, err := auth.GenerateToken(audience, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&audience, "audience", "", "Token audience (defaults to the configured audience)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{jwt.ScopeRead}, "Granted scopes: read, write, admin")
	return cmd
}
