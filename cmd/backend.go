package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/llm"
)

// Agent backends selectable with agent.backend.
const (
	backendRemote    = "remote"
	backendMock      = "mock"
	backendAnthropic = "anthropic"
)

const defaultAgentURL = agent.DefaultBaseURL

// newAgentClient builds the agent client selected by agent.backend.
func newAgentClient() (agent.Client, error) {
	switch backend := viper.GetString("agent.backend"); backend {
	case backendRemote, "":
		apiKey := viper.GetString("agent.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("DEVIN_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("agent.api_key is not set (or use agent.backend=mock for local testing)")
		}
		return agent.NewHTTPClient(agent.HTTPClientConfig{
			BaseURL:   viper.GetString("agent.api_url"),
			APIKey:    apiKey,
			RateLimit: viper.GetFloat64("agent.rate_limit"),
			RateBurst: viper.GetInt("agent.rate_burst"),
		}), nil

	case backendMock:
		ui.VerboseLog("Using simulated agent (delay %s)", viper.GetDuration("agent.mock_delay"))
		return agent.NewMockClient(viper.GetDuration("agent.mock_delay")), nil

	case backendAnthropic:
		lc := newLLMClient()
		if lc == nil {
			return nil, fmt.Errorf("anthropic.api_key is not set")
		}
		ui.VerboseLog("Using local LLM agent (model %s)", lc.Model())
		return agent.NewLLMClient(lc, slog.Default()), nil

	default:
		return nil, fmt.Errorf("unknown agent.backend %q (want %s, %s or %s)", backend, backendRemote, backendMock, backendAnthropic)
	}
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}
