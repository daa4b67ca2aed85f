package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "triage"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage triage configuration.

Running bare 'triage config' is the same as 'triage config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# triage configuration
# See: triage config show (for effective values and sources)

# State/data directory (default: ~/.config/triage)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/triage/triage.db)
# db_path: {{ .DBPath }}

# GitHub
github:
  # REST API endpoint
  api_url: "{{ .GitHubAPIURL }}"
  # Token for private repositories and higher rate limits (fallback: $GITHUB_TOKEN)
  # token: ""

# Coding agent
agent:
  # Backend: remote (hosted agent service), mock (local simulation), or
  # anthropic (local LLM, no repository access)
  backend: "{{ .AgentBackend }}"

  # Hosted agent service endpoint
  api_url: "{{ .AgentAPIURL }}"
  # API key for the hosted service (fallback: $DEVIN_API_KEY)
  # api_key: ""

  # Outbound request rate to the agent service (requests/second, 0 = unlimited)
  rate_limit: {{ .AgentRateLimit }}
  rate_burst: {{ .AgentRateBurst }}

  # How long simulated sessions take to finish (mock backend only)
  mock_delay: "{{ .AgentMockDelay }}"

# Anthropic (anthropic backend only)
anthropic:
  # API key (fallback: $ANTHROPIC_API_KEY)
  # api_key: ""
  model: "{{ .AnthropicModel }}"

# Waiting for sessions (--wait)
poll:
  interval: "{{ .PollInterval }}"
  max_attempts: {{ .PollMaxAttempts }}

# HTTP API port for 'triage serve'
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	GitHubAPIURL    string
	AgentBackend    string
	AgentAPIURL     string
	AgentRateLimit  float64
	AgentRateBurst  int
	AgentMockDelay  string
	AnthropicModel  string
	PollInterval    string
	PollMaxAttempts int
	Port            int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		GitHubAPIURL:    viper.GetString("github.api_url"),
		AgentBackend:    viper.GetString("agent.backend"),
		AgentAPIURL:     viper.GetString("agent.api_url"),
		AgentRateLimit:  viper.GetFloat64("agent.rate_limit"),
		AgentRateBurst:  viper.GetInt("agent.rate_burst"),
		AgentMockDelay:  viper.GetDuration("agent.mock_delay").String(),
		AnthropicModel:  viper.GetString("anthropic.model"),
		PollInterval:    viper.GetDuration("poll.interval").String(),
		PollMaxAttempts: viper.GetInt("poll.max_attempts"),
		Port:            viper.GetInt("port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "TRIAGE_STATE_DIR"},
	{Key: "db_path", EnvVar: "TRIAGE_DB_PATH"},
	{Key: "github.api_url", EnvVar: "TRIAGE_GITHUB_API_URL"},
	{Key: "github.token", EnvVar: "TRIAGE_GITHUB_TOKEN", Secret: true},
	{Key: "agent.backend", EnvVar: "TRIAGE_AGENT_BACKEND"},
	{Key: "agent.api_url", EnvVar: "TRIAGE_AGENT_API_URL"},
	{Key: "agent.api_key", EnvVar: "TRIAGE_AGENT_API_KEY", Secret: true},
	{Key: "agent.rate_limit", EnvVar: "TRIAGE_AGENT_RATE_LIMIT"},
	{Key: "agent.rate_burst", EnvVar: "TRIAGE_AGENT_RATE_BURST"},
	{Key: "agent.mock_delay", EnvVar: "TRIAGE_AGENT_MOCK_DELAY"},
	{Key: "anthropic.api_key", EnvVar: "TRIAGE_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "TRIAGE_ANTHROPIC_MODEL"},
	{Key: "poll.interval", EnvVar: "TRIAGE_POLL_INTERVAL"},
	{Key: "poll.max_attempts", EnvVar: "TRIAGE_POLL_MAX_ATTEMPTS"},
	{Key: "port", EnvVar: "TRIAGE_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-20s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a credential.
func maskSecret(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 4:
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'triage config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
