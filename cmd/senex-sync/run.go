package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/senexhq/senex-sync/internal/config"
	"github.com/senexhq/senex-sync/internal/list"
	"github.com/senexhq/senex-sync/internal/remote"
	"github.com/senexhq/senex-sync/internal/session"
	"github.com/senexhq/senex-sync/internal/stream"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Start one sync session per configured project and keep them running
until interrupted. Edits to the config file are picked up live: added
projects start syncing, removed projects stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg, "[senex-sync] ")
		logger.Printf("Starting senex-sync %s with %d project(s)", version, len(cfg.Projects))

		mgr, err := session.NewManager(sessionFactory(cfg, logger), logger)
		if err != nil {
			return err
		}
		mgr.Apply(cfg.Projects)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if configPath != "" {
			go func() {
				err := config.Watch(ctx, configPath, func(next *config.Config) {
					logger.Printf("Config changed, applying %d project(s)", len(next.Projects))
					mgr.Apply(next.Projects)
				}, func(err error) {
					logger.Printf("Config reload failed: %v", err)
				})
				if err != nil && ctx.Err() == nil {
					logger.Printf("Config watcher stopped: %v", err)
				}
			}()
		}

		<-ctx.Done()
		logger.Printf("Shutting down")
		mgr.StopAll()
		return nil
	},
}

// sessionFactory wires a full session for one project: REST client, event
// stream, in-memory working list and persisted identity state.
func sessionFactory(cfg *config.Config, logger *log.Logger) session.Factory {
	return func(projectID string) (*session.Session, error) {
		client, err := remote.NewClient(&remote.Config{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build client for %s: %w", projectID, err)
		}

		conn, err := stream.New(&stream.Config{
			URL:          cfg.StreamURL,
			Token:        cfg.Token,
			ProjectIDs:   []string{projectID},
			StallTimeout: cfg.StallTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build stream for %s: %w", projectID, err)
		}

		return session.New(&session.Config{
			ProjectID:          projectID,
			Client:             client,
			Stream:             conn,
			Host:               list.New(),
			StatePath:          cfg.StatePath(projectID),
			ResyncInterval:     cfg.ResyncInterval,
			TombstoneRetention: cfg.TombstoneRetention,
			EchoWindow:         cfg.EchoWindow,
			Logger:             logger,
		})
	}
}
