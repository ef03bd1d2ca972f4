// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the snakey field client commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ELesch/snakey-sub000/snakelite"
	"github.com/ELesch/snakey-sub000/snakesync"
)

// RootCmd builds the snakey command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "snakey",
		Short: "Field logger for reptile husbandry events",
		Long: `snakey logs husbandry events (feedings, sheds, measurements,
environment readings, photos) into a local database that keeps working
with no connectivity, and syncs with the server when a connection exists.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("db", defaultDBPath(), "Path to the local database")
	root.PersistentFlags().String("server", envOr("SNAKEY_SERVER", "http://localhost:8080"), "Sync server base URL")
	root.PersistentFlags().String("token", os.Getenv("SNAKEY_TOKEN"), "Bearer token for the sync API")

	root.AddCommand(logCmd())
	root.AddCommand(listCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(statusCmd())
	return root
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <table> <json>",
		Short: "Record a husbandry event locally and queue it for sync",
		Long: `Record an event into the local store. The write is durable
immediately; it reaches the server on the next sync. Child tables
(feedings, sheds, measurements, environment_logs, photos) require a
reptileId field in the JSON payload.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := snakesync.ParseTable(args[0])
			if err != nil {
				return err
			}
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			recordID, err := env.orchestrator.Create(cmd.Context(), table, "", payload)
			if err != nil {
				return err
			}
			fmt.Printf("logged %s %s (queued for sync)\n", table, recordID)
			return nil
		},
	}
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <table>",
		Short: "List locally mirrored records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := snakesync.ParseTable(args[0])
			if err != nil {
				return err
			}

			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			records, err := env.client.Mirror.Query(cmd.Context(), table, nil)
			if err != nil {
				return err
			}
			for _, record := range records {
				fmt.Printf("%s\t%s\t%s\n", record.RecordID, record.SyncStatus, record.Payload)
			}
			fmt.Printf("%d record(s)\n", len(records))
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending and failed sync entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			pending, err := env.client.Queue.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			failed, err := env.client.Queue.ListFailed(cmd.Context())
			if err != nil {
				return err
			}

			for _, entry := range pending {
				fmt.Printf("PENDING\t%s\t%s\t%s\tretries=%d\n",
					entry.Op, entry.Table, entry.RecordID, entry.RetryCount)
			}
			for _, entry := range failed {
				fmt.Printf("FAILED\t%s\t%s\t%s\t%s: %s\n",
					entry.Op, entry.Table, entry.RecordID, entry.LastErrorType, entry.LastError)
			}
			fmt.Printf("%d pending, %d failed\n", len(pending), len(failed))
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push/pull cycle against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			env.orchestrator.SetOnline(true)
			if err := env.orchestrator.SyncNow(cmd.Context()); err != nil {
				return err
			}

			pendingCount, err := env.client.Queue.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("sync complete, %d entries still pending\n", pendingCount)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync progress and failure counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			pendingCount, err := env.client.Queue.PendingCount(ctx)
			if err != nil {
				return err
			}
			terminal, transient, err := env.client.Queue.FailedCounts(ctx)
			if err != nil {
				return err
			}
			cursor, err := env.client.PullCursor(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("pending: %d\n", pendingCount)
			fmt.Printf("failed (needs attention): %d\n", terminal)
			fmt.Printf("failed (will retry): %d\n", transient)
			if cursor.IsZero() {
				fmt.Println("last pull: never")
			} else {
				fmt.Printf("last pull: %s\n", cursor)
			}
			return nil
		},
	}
}

// cmdEnv bundles the local client and orchestrator a command needs.
type cmdEnv struct {
	client       *snakelite.Client
	orchestrator *snakelite.Orchestrator
}

func newEnv(cmd *cobra.Command) (*cmdEnv, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	serverURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	client, err := snakelite.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}

	transport := snakelite.NewHTTPTransport(snakelite.HTTPTransportConfig{
		BaseURL: serverURL,
		Token: func(ctx context.Context) (string, error) {
			if token == "" {
				return "", fmt.Errorf("no token configured (set SNAKEY_TOKEN or --token)")
			}
			return token, nil
		},
	})

	return &cmdEnv{
		client:       client,
		orchestrator: snakelite.NewOrchestrator(client, transport, logger),
	}, nil
}

func (e *cmdEnv) close() {
	if err := e.client.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close database: %v\n", err)
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "snakey.db"
	}
	return home + "/.snakey/snakey.db"
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
