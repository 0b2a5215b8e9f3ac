// File: cmd/mockserver.go
package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/mockserver"
	"github.com/xkilldash9x/forensync/internal/observability"
)

func newMockServerCmd(a *app) *cobra.Command {
	var (
		addr string
		tick time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local stand-in for the analysis backend",
		Long: fmt.Sprintf(`Run a local stand-in for the analysis backend with seeded files, analyses and alerts.
Sign in with %s / %s.`, mockserver.DefaultEmail, mockserver.DefaultPassword),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			msCfg := a.cfg.MockServer()
			if addr == "" {
				addr = msCfg.Addr
			}

			secret := []byte(msCfg.JWTSecret)
			if len(secret) == 0 {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("failed to generate JWT secret: %w", err)
				}
				secret = []byte(hex.EncodeToString(buf))
				logger.Warn("No mockserver.jwt_secret configured; tokens will not survive a restart.")
			}

			srv, err := mockserver.New(mockserver.Options{
				Secret:   secret,
				TokenTTL: msCfg.TokenTTL,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if tick > 0 {
				go srv.Tick(ctx, tick)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Mock backend on %s (sign in with %s).\n", addr, mockserver.DefaultEmail)
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				logger.Error("Mock backend failed.", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides mockserver.addr)")
	cmd.Flags().DurationVar(&tick, "tick", 0, "publish dashboard stats at this interval (0 disables)")
	return cmd
}
