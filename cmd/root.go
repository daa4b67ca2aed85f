package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/github"
	"github.com/joescharf/triage/internal/output"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	sessionManager  *sessions.Manager
	metricsRegistry *prometheus.Registry

	verbose bool
	dryRun  bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Triage and resolve GitHub issues with a remote coding agent",
	Long: `triage hands GitHub issues to a remote coding agent.

An analysis session classifies an issue and proposes a fix strategy with a
confidence score. A resolution session then implements the fix and opens a
pull request. Sessions run remotely; triage tracks them locally and keeps at
most one running session per issue and kind.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/triage/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "triage")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TRIAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "triage"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key's default, rooted at stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "triage.db"))
	viper.SetDefault("github.api_url", github.DefaultBaseURL)
	viper.SetDefault("github.token", "")
	viper.SetDefault("agent.backend", backendRemote)
	viper.SetDefault("agent.api_url", defaultAgentURL)
	viper.SetDefault("agent.api_key", "")
	viper.SetDefault("agent.rate_limit", 2.0)
	viper.SetDefault("agent.rate_burst", 4)
	viper.SetDefault("agent.mock_delay", "15s")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "")
	viper.SetDefault("poll.interval", "5s")
	viper.SetDefault("poll.max_attempts", 120)
	viper.SetDefault("port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Store and agent are initialized lazily so config/version commands
	// run without a db or credentials.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getManager returns the shared session manager, wiring the store, the
// configured agent backend, GitHub, and metrics on first call.
func getManager() (*sessions.Manager, error) {
	if sessionManager != nil {
		return sessionManager, nil
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}
	client, err := newAgentClient()
	if err != nil {
		return nil, err
	}

	metricsRegistry = prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gh := github.NewClient(viper.GetString("github.api_url"), githubToken())
	sessionManager = sessions.NewManager(s, client, gh,
		sessions.WithLogger(slog.Default()),
		sessions.WithMetrics(sessions.NewMetrics(metricsRegistry)),
	)
	return sessionManager, nil
}

// newPoller returns a bounded poller configured from poll.* settings.
func newPoller(mgr *sessions.Manager) *sessions.Poller {
	return &sessions.Poller{
		Sessions:    mgr,
		Interval:    viper.GetDuration("poll.interval"),
		MaxAttempts: viper.GetInt("poll.max_attempts"),
	}
}

func githubToken() string {
	if tok := viper.GetString("github.token"); tok != "" {
		return tok
	}
	return os.Getenv("GITHUB_TOKEN")
}
