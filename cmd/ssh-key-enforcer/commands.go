// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/backup"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/config"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/i18n"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/logging"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/scheduler"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/stash"
)

// sweepJobID serializes scheduled sweep runs.
const sweepJobID = "expiry-sweep"

func init() {
	migrateDBCmd.Flags().String("target-type", "", "Target database type")
	migrateDBCmd.Flags().String("target-dsn", "", "Target database DSN")
}

// generateCmd issues a fresh managed key pair for a user, revoking any
// managed keys they already hold.
var generateCmd = &cobra.Command{
	Use:   "generate [username]",
	Short: "Generate a managed SSH key pair for a user",
	Long: `Revokes the user's existing managed keys and issues a new ed25519 pair.
The private key is printed exactly once and never stored.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		svc, client := newService()

		user, err := client.UserByName(ctx, args[0])
		if err != nil {
			log.Fatalf("Error resolving user: %v", err)
		}
		if user == nil {
			log.Fatalf("%s: %s", i18n.T("generate.user_not_found"), args[0])
		}

		pair, err := svc.GenerateNewKeyPairFor(ctx, *user)
		if err != nil {
			log.Fatalf("Error generating key pair: %v", err)
		}

		fmt.Println(i18n.T("generate.success"))
		fmt.Println()
		fmt.Println(pair.PublicKey)
		fmt.Println()
		fmt.Print(pair.PrivateKey)
	},
}

// keysCmd lists the tracked keys of a user.
var keysCmd = &cobra.Command{
	Use:   "keys [username]",
	Short: "List tracked keys for a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, _ := newService()
		keys, err := svc.GetKeysForUser(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("Error listing keys: %v", err)
		}
		if len(keys) == 0 {
			fmt.Println(i18n.T("keys.none"))
			return
		}
		fmt.Println(i18n.T("keys.header"))
		for _, k := range keys {
			line := fmt.Sprintf("  %d\t%s\t%s", k.KeyID, k.Type, k.CreatedAt.Format(time.RFC3339))
			if k.Resource.Kind != model.ResourceNone {
				line += "\t" + k.Resource.String()
			}
			if k.Comment != "" {
				line += "\t" + k.Comment
			}
			fmt.Println(line)
		}
	},
}

// runSweep executes one expiry sweep plus orphan reconciliation.
func runSweep(ctx context.Context) error {
	svc, _ := newService()
	if err := svc.ReplaceExpiredKeysAndNotifyUsers(ctx); err != nil {
		return err
	}
	grace := time.Duration(viper.GetInt("sweep.orphan_grace_hours")) * time.Hour
	purged, err := svc.ReconcileOrphanedRecords(ctx, grace)
	if err != nil {
		return err
	}
	if purged > 0 {
		logging.Infof("purged %d orphaned ledger records", purged)
	}
	return nil
}

// sweepCmd runs a single expiry sweep and exits.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revoke expired managed keys and notify their owners",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSweep(cmd.Context()); err != nil {
			log.Fatalf("%s: %v", i18n.T("sweep.failed"), err)
		}
		fmt.Println(i18n.T("sweep.done"))
	},
}

// serveCmd runs the sweep on a schedule until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the expiry sweep scheduler as a daemon",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		interval := time.Duration(viper.GetInt("sweep.interval_minutes")) * time.Minute
		s := scheduler.New()
		s.Schedule(interval, sweepJobID, func() (time.Duration, bool) {
			if err := runSweep(ctx); err != nil {
				logging.Errorf("%s: %v", i18n.T("sweep.failed"), err)
			}
			return interval, true
		})
		fmt.Println(i18n.T("serve.started"))

		<-ctx.Done()
		s.Cancel(sweepJobID)
		fmt.Println(i18n.T("serve.stopping"))
	},
}

// handleEventCmd processes one native key lifecycle event from stdin. The
// host's event dispatcher invokes this for every key added or removed.
var handleEventCmd = &cobra.Command{
	Use:   "handle-event",
	Short: "Process a key lifecycle event from stdin",
	Long: `Reads a single JSON event from stdin. A key-added event is checked
against the ledger and bypass policy; unauthorized keys are revoked.
A key-removed event drops the matching ledger record.`,
	Run: func(cmd *cobra.Command, args []string) {
		ev, err := stash.DecodeEvent(cmd.InOrStdin())
		if err != nil {
			log.Fatalf("%s: %v", i18n.T("event.invalid"), err)
		}

		svc, _ := newService()
		ctx := cmd.Context()
		switch ev.EventKey {
		case stash.EventKeyAdded:
			err = svc.InterceptSystemKey(ctx, ev.NativeKey(), ev.Principal())
		case stash.EventKeyRemoved:
			err = svc.ForgetDeletedKey(ctx, ev.NativeKey())
		}
		if err != nil {
			log.Fatalf("Error handling event: %v", err)
		}
		fmt.Println(i18n.T("event.handled"))
	},
}

// auditLogCmd prints the audit trail, newest first.
var auditLogCmd = &cobra.Command{
	Use:   "audit-log",
	Short: "Show the governance audit trail",
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := db.GetAllAuditLogEntries()
		if err != nil {
			log.Fatalf("Error reading audit log: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println(i18n.T("audit.none"))
			return
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-22s key=%d user=%d",
				e.Timestamp.Format(time.RFC3339), e.Action, e.KeyID, e.UserID)
			if e.Details != "" {
				line += "  " + e.Details
			}
			fmt.Println(line)
		}
	},
}

// backupCmd writes a compressed snapshot of the ledger.
var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Write a compressed ledger snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Create(args[0])
		if err != nil {
			log.Fatalf("Error creating backup file: %v", err)
		}
		defer f.Close()

		if err := backup.Write(db.GetStore(), f); err != nil {
			log.Fatalf("Error writing backup: %v", err)
		}
		fmt.Println(i18n.T("backup.done"))
	},
}

// restoreCmd replaces the ledger with a snapshot.
var restoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restore the ledger from a snapshot",
	Long:  `Replaces the entire ledger, tracked keys and audit log, with the snapshot's contents.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			log.Fatalf("Error opening backup file: %v", err)
		}
		defer f.Close()

		if err := backup.Restore(db.GetStore(), f); err != nil {
			log.Fatalf("Error restoring backup: %v", err)
		}
		fmt.Println(i18n.T("restore.done"))
	},
}

// migrateDBCmd copies the ledger into a different storage engine.
var migrateDBCmd = &cobra.Command{
	Use:   "migrate-db",
	Short: "Migrate the ledger to another database",
	Run: func(cmd *cobra.Command, args []string) {
		targetType, _ := cmd.Flags().GetString("target-type")
		targetDSN, _ := cmd.Flags().GetString("target-dsn")
		if targetType == "" || targetDSN == "" {
			log.Fatal("Both --target-type and --target-dsn are required.")
		}
		if err := backup.Migrate(db.GetStore(), targetType, targetDSN); err != nil {
			log.Fatalf("Error migrating ledger: %v", err)
		}
		fmt.Println(i18n.T("migrate.done"))
	},
}

// maintainCmd runs engine-specific database maintenance.
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run database maintenance (vacuum, optimize, integrity check)",
	Run: func(cmd *cobra.Command, args []string) {
		dbType := viper.GetString("database.type")
		dsn := viper.GetString("database.dsn")
		if err := db.RunDBMaintenance(dbType, dsn); err != nil {
			log.Fatalf("Error during maintenance: %v", err)
		}
		fmt.Println(i18n.T("maintain.done"))
	},
}

// newConfigCmd groups configuration helpers.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := config.LoadConfig(cmd, nil, &cfgFile)
			if err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
			data, err := yaml.Marshal(&c)
			if err != nil {
				log.Fatalf("Error rendering configuration: %v", err)
			}
			fmt.Print(string(data))
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to the standard location",
		Run: func(cmd *cobra.Command, args []string) {
			system, _ := cmd.Flags().GetBool("system")
			c, err := config.LoadConfig(cmd, nil, &cfgFile)
			if err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
			if err := config.WriteConfigFile(&c, system); err != nil {
				log.Fatalf("Error writing configuration: %v", err)
			}
			fmt.Println(i18n.T("config.written"))
		},
	}
	initCmd.Flags().Bool("system", false, "Write to the system-wide location instead of the user one")

	cmd.AddCommand(showCmd)
	cmd.AddCommand(initCmd)
	return cmd
}
