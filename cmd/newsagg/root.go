package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/newsagg/aggregator"
	"github.com/hazyhaar/newsagg/dbopen"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootFlags struct {
	config string
	dbPath string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "newsagg",
		Short:         "News aggregator: feeds and pages into one deduplicated, categorized store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is fine.
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.config, "config", "", "path to config file (default $XDG_CONFIG_HOME/newsagg/config.yaml)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "path to the SQLite database (overrides DB_PATH and config)")

	root.AddCommand(
		newServeCmd(&flags),
		newRefreshCmd(&flags),
		newSourcesCmd(&flags),
		newProbeCmd(&flags),
		newMCPCmd(&flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "newsagg %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// app is what every command needs: config, logger, database and service.
type app struct {
	cfg    *aggregator.Config
	logger *slog.Logger
	db     *sql.DB
	svc    *aggregator.Service
}

func (a *app) Close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// openApp loads the configuration and opens the service. Logs go to
// logOut so that commands writing results to stdout stay parseable.
func openApp(flags *rootFlags, logOut io.Writer) (*app, error) {
	cfg, err := aggregator.Load(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	logger := newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	svc, err := aggregator.New(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("newsagg: opened", "db", cfg.DBPath, "sources", len(cfg.Sources))
	return &app{cfg: cfg, logger: logger, db: db, svc: svc}, nil
}
