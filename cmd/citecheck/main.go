// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the citecheck CLI. It submits papers
// to the quote-analysis service, follows analyses through their lifecycle,
// supplies missing reference papers and shows the graded results.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/apiclient"
	"github.com/pdiddy/citecheck/internal/history"
	"github.com/pdiddy/citecheck/internal/logging"
	"github.com/pdiddy/citecheck/internal/secrets"
	"github.com/pdiddy/citecheck/internal/tracker"
	"github.com/pdiddy/citecheck/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	// loadedSecrets holds credentials loaded from the credentials directory.
	loadedSecrets map[string]string

	logger = zap.NewNop()
)

// rootCmd is the base command for the citecheck CLI.
var rootCmd = &cobra.Command{
	Use:   "citecheck",
	Short: "Check the quotes of an academic paper against their cited sources",
	Long: `citecheck is a client for the quote-analysis service. The service extracts
quotes and citations from a paper, fetches the cited reference papers and
grades every quote against its source; citecheck submits papers, follows
each analysis through its stages, uploads references the service could not
fetch and shows the graded results.

Configuration comes from citecheck.yaml, CITECHECK_* environment variables
(a .env file in the working directory is loaded first) and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(viper.GetString("log_level"), viper.GetString("log_format"))
		if err != nil {
			return err
		}
		logger = l

		s, err := secrets.Load(viper.GetString("credentials_dir"))
		if err != nil {
			return err
		}
		loadedSecrets = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./citecheck.yaml or ~/.config/citecheck/citecheck.yaml)")
	rootCmd.PersistentFlags().String("api-url", "", "analysis service URL (default http://localhost:8000)")
	rootCmd.PersistentFlags().String("log-level", "", "diagnostics level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "diagnostics format: console or json")

	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetDefault("api_url", "http://localhost:8000")
	viper.SetDefault("timeout", "30s")
	viper.SetDefault("max_retries", 5)
	viper.SetDefault("poll_interval", "3s")
	viper.SetDefault("min_uploads", 1)
	viper.SetDefault("resume_when_nothing_missing", false)
	viper.SetDefault("max_upload_mb", 50)
	viper.SetDefault("drop_dir", "")
	viper.SetDefault("credentials_dir", ".secrets/")
	viper.SetDefault("history_db", "~/.local/share/citecheck/history.db")
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("log_format", "console")
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: could not read .env:", err)
	}

	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("citecheck")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "citecheck"))
		}
	}

	viper.SetEnvPrefix("CITECHECK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// clientConfig collects every setting from viper.
func clientConfig() types.ClientConfig {
	return types.ClientConfig{
		HTTP: types.HTTPConfig{
			BaseURL:    viper.GetString("api_url"),
			Timeout:    viper.GetDuration("timeout"),
			UserAgent:  "citecheck/" + version,
			MaxRetries: viper.GetInt("max_retries"),
		},
		Poll: types.PollConfig{Interval: viper.GetDuration("poll_interval")},
		Resume: types.ResumePolicy{
			MinUploads:               viper.GetInt("min_uploads"),
			ResumeWhenNothingMissing: viper.GetBool("resume_when_nothing_missing"),
		},
		Upload: types.UploadConfig{
			MaxSizeMB: viper.GetInt("max_upload_mb"),
			DropDir:   viper.GetString("drop_dir"),
		},
		CredentialsDir: viper.GetString("credentials_dir"),
		HistoryDB:      expandHome(viper.GetString("history_db")),
	}
}

func trackerConfig(cfg types.ClientConfig) tracker.Config {
	return tracker.Config{Poll: cfg.Poll, Resume: cfg.Resume, Upload: cfg.Upload}
}

// newClient builds an API client that sends the stored token, if any.
// CITECHECK_TOKEN takes precedence over the credentials directory.
func newClient(cfg types.ClientConfig) *apiclient.Client {
	return apiclient.New(cfg.HTTP,
		apiclient.WithLogger(logger),
		apiclient.WithToken(func() string {
			if tok := viper.GetString("token"); tok != "" {
				return tok
			}
			return loadedSecrets[secrets.TokenKey]
		}))
}

// openHistory opens the local history database. Failures are logged and
// nil is returned: history is a convenience and never blocks a command.
func openHistory(cfg types.ClientConfig) *history.Store {
	if cfg.HistoryDB == "" {
		return nil
	}
	h, err := history.Open(cfg.HistoryDB, history.WithServer(cfg.HTTP.BaseURL))
	if err != nil {
		logger.Warn("history unavailable", zap.String("path", cfg.HistoryDB), zap.Error(err))
		return nil
	}
	return h
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

// userError turns err into the message meant for the user, keeping the
// full chain in the diagnostics log.
func userError(err error) error {
	if err == nil {
		return nil
	}
	logger.Debug("command failed", zap.Error(err))
	return errors.New(apiclient.UserMessage(err))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
