package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	handler "tab-session-sync/api"
	"tab-session-sync/pkg/database"
)

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development backend (REST, realtime and dev auth)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			if cfg.UsesDefaultSecret() {
				logger.Warn("using the default JWT secret, set TABSYNC_SERVER_JWT_SECRET outside development")
			}

			db, err := database.NewDatabase(database.DatabaseConfig{
				PostgresDSN: cfg.Server.PostgresDSN,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			h := handler.NewHub(db, logger)
			server := &http.Server{
				Addr:              ":" + cfg.Server.Port,
				Handler:           handler.NewRouter(cfg, db, h, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				h.DisconnectAll()
				if err := server.Shutdown(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()

			logger.Info("http server listening", "addr", server.Addr, "environment", cfg.Environment)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides server.port)")
	return cmd
}
