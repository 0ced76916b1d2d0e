// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for the enforcer using the
// Cobra library. It defines the root command, subcommands (generate,
// sweep, serve, handle-event, backup, ...), flags, and the entry point.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/i18n"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/logging"
)

var version = "dev" // this will be set by the linker
var cfgFile string

// main is the entry point of the application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

var rootCmd *cobra.Command

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd = newRootCmd()

	// Defaults apply when neither the config file nor flags set a value.
	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.dsn", "./ssh-key-enforcer.db")
	viper.SetDefault("language", "en")
	viper.SetDefault("policy.user_key_retention_days", 90)
	viper.SetDefault("sweep.interval_minutes", 60)
	viper.SetDefault("sweep.orphan_grace_hours", 24)
}

// newRootCmd creates and configures a new root cobra command. Tests create
// fresh instances through this function for isolation.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh-key-enforcer",
		Short: i18n.T("cli.short"),
		Long: `ssh-key-enforcer governs the SSH keys registered in a Bitbucket Server
instance. Keys added outside the enforcer are revoked unless their owner
is the authorized automation account or a member of the authorized group.
Managed user keys are issued centrally and rotated after a retention
window. A database ledger is the source of truth for accepted keys.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Viper has already read the config by this point.
			i18n.Init(viper.GetString("language"))
			if viper.GetBool("debug") {
				logging.SetDebug(true)
				db.SetDebug(true)
			}
			dbType := viper.GetString("database.type")
			dsn := viper.GetString("database.dsn")
			if err := db.InitDB(dbType, dsn); err != nil {
				return fmt.Errorf("%s: %w", i18n.T("cli.error_init_db"), err)
			}
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(keysCmd)
	cmd.AddCommand(sweepCmd)
	cmd.AddCommand(serveCmd)
	cmd.AddCommand(handleEventCmd)
	cmd.AddCommand(auditLogCmd)
	cmd.AddCommand(backupCmd)
	cmd.AddCommand(restoreCmd)
	cmd.AddCommand(migrateDBCmd)
	cmd.AddCommand(maintainCmd)
	cmd.AddCommand(newConfigCmd())

	cmd.Version = version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ssh-key-enforcer.yaml)")
	cmd.PersistentFlags().String("db-type", "sqlite", "Database type (e.g., sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "./ssh-key-enforcer.db", "Database connection string (DSN)")
	cmd.PersistentFlags().String("base-url", "", "Bitbucket Server base URL")
	cmd.PersistentFlags().String("token", "", "Bitbucket Server access token")
	cmd.PersistentFlags().String("lang", "en", `Output language ("en", "de")`)
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	_ = viper.BindPFlag("database.type", cmd.PersistentFlags().Lookup("db-type"))
	_ = viper.BindPFlag("database.dsn", cmd.PersistentFlags().Lookup("db-dsn"))
	_ = viper.BindPFlag("bitbucket.base_url", cmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("bitbucket.token", cmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("language", cmd.PersistentFlags().Lookup("lang"))
	_ = viper.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug"))

	return cmd
}

// initConfig reads the configuration file and environment variables. Viper
// searches the standard locations unless --config names a file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ssh-key-enforcer")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(home + "/ssh-key-enforcer")
		}
		viper.AddConfigPath("/etc/ssh-key-enforcer")
	}

	viper.SetEnvPrefix("SSH_KEY_ENFORCER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and flags still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logging.Warnf("could not read config file: %v", err)
		}
	}
}
