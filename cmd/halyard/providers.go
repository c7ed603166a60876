package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/providers/anthropic"
	"github.com/halyard-dev/halyard/pkg/llm/providers/bedrock"
	"github.com/halyard-dev/halyard/pkg/llm/providers/openai"
	"github.com/halyard-dev/halyard/pkg/llm/providers/proxy"
)

// completionsHosts maps provider names to their OpenAI-compatible endpoints.
// An empty value means the adapter's default (api.openai.com). Providers not
// listed here need base_url in the config.
var completionsHosts = map[string]string{
	"openai":      "",
	"openrouter":  "https://openrouter.ai/api/v1",
	"groq":        "https://api.groq.com/openai/v1",
	"xai":         "https://api.x.ai/v1",
	"mistral":     "https://api.mistral.ai/v1",
	"cerebras":    "https://api.cerebras.ai/v1",
	"huggingface": "https://router.huggingface.co/v1",
}

// buildRegistry wires a stream adapter for every API the process can speak.
// All four adapters are always registered so a relayed or resumed session can
// switch models across providers; cfg routes its base_url (and Bedrock
// region/profile) to the adapter that serves the configured provider.
func buildRegistry(cfg *agent.FileConfig) (*llm.Registry, error) {
	var anthropicURL, completionsURL string

	switch cfg.Provider {
	case "anthropic":
		anthropicURL = cfg.BaseURL
	case "bedrock":
		// Region and profile are wired below; no URL to route.
	case "proxy":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q requires base_url pointing at a halyard serve instance", cfg.Provider)
		}
	default:
		host, known := completionsHosts[cfg.Provider]
		if cfg.BaseURL != "" {
			host = cfg.BaseURL
		} else if !known {
			return nil, fmt.Errorf("unknown provider %q: set base_url to use it as an openai-compatible host", cfg.Provider)
		}
		completionsURL = host
	}

	reg := llm.NewRegistry()
	reg.Register(anthropic.API, anthropic.New(anthropicURL).Stream)
	reg.Register(openai.API, openai.New(completionsURL).Stream)
	reg.Register(bedrock.API, bedrock.New(cfg.Region, cfg.Profile).Stream)
	if cfg.Provider == "proxy" {
		reg.Register("proxy", proxy.New(cfg.BaseURL, cfg.APIKey).Stream)
	}
	return reg, nil
}

// apiKeyFor returns a per-call key resolver: the config's api_key when set,
// else the provider's conventional environment variable (ANTHROPIC_API_KEY,
// OPENAI_API_KEY, OPENROUTER_API_KEY, ...). Bedrock uses the AWS credential
// chain and the proxy carries its token in the client, so both resolve to an
// empty key rather than an error.
func apiKeyFor(cfg *agent.FileConfig) func(provider string) (string, error) {
	return func(provider string) (string, error) {
		if provider == cfg.Provider && cfg.APIKey != "" {
			return cfg.APIKey, nil
		}
		env := envKeyName(provider)
		if key := os.Getenv(env); key != "" {
			return key, nil
		}
		switch provider {
		case "bedrock", "proxy":
			return "", nil
		}
		return "", fmt.Errorf("no API key for %s: set api_key in the config or export %s", provider, env)
	}
}

func envKeyName(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}
