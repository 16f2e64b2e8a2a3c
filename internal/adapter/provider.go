package adapter

import (
	"fmt"
	"strings"
)

// Provider identifies an upstream model provider recognised by the
// pi-coding-agent CLI.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderGoogle     Provider = "google"
	ProviderGroq       Provider = "groq"
	ProviderCerebras   Provider = "cerebras"
	ProviderXAI        Provider = "xai"
	ProviderOpenRouter Provider = "openrouter"
)

var knownProviders = map[Provider]bool{
	ProviderAnthropic:  true,
	ProviderOpenAI:     true,
	ProviderGoogle:     true,
	ProviderGroq:       true,
	ProviderCerebras:   true,
	ProviderXAI:        true,
	ProviderOpenRouter: true,
}

// ParseProvider validates a provider name against the allow-list.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !knownProviders[p] {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// SplitModelRef splits a "provider/model" reference. The model part may
// itself contain slashes (openrouter routes look like vendor/model).
func SplitModelRef(ref string) (Provider, string, error) {
	providerPart, model, ok := strings.Cut(ref, "/")
	if !ok {
		return "", "", fmt.Errorf("model reference %q must look like provider/model", ref)
	}
	provider, err := ParseProvider(providerPart)
	if err != nil {
		return "", "", err
	}
	return provider, model, nil
}

// NormalizeModelID strips a duplicated provider prefix from a model ID.
// The pi CLI expects bare model IDs for built-in providers; a reference
// like "openai/gpt-5.1-codex" passed alongside --provider openai would
// otherwise be read as "openai/openai/...".
func NormalizeModelID(provider Provider, model string) string {
	prefix, remainder, ok := strings.Cut(model, "/")
	if !ok {
		return model
	}
	if strings.EqualFold(prefix, string(provider)) {
		return remainder
	}
	return model
}

// apiKeyVars maps each provider to its credential variables in preference
// order. The first one present in the host environment wins.
var apiKeyVars = map[Provider][]string{
	ProviderAnthropic:  {"ANTHROPIC_API_KEY", "ANTHROPIC_OAUTH_TOKEN"},
	ProviderOpenAI:     {"OPENAI_API_KEY"},
	ProviderGoogle:     {"GEMINI_API_KEY"},
	ProviderGroq:       {"GROQ_API_KEY"},
	ProviderCerebras:   {"CEREBRAS_API_KEY"},
	ProviderXAI:        {"XAI_API_KEY"},
	ProviderOpenRouter: {"OPENROUTER_API_KEY"},
}

// commonKeyVars are always forwarded when present, whatever the selected
// provider, so mid-session model switches keep working.
var commonKeyVars = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"}

// openAIContextVars carry the org/project context gated OpenAI models need.
var openAIContextVars = []string{
	"OPENAI_USER_EMAIL",
	"OPENAI_ORG",
	"OPENAI_ORG_ID",
	"OPENAI_PROJECT",
	"OPENAI_PROJECT_ID",
	"OPENAI_API_BASE",
}

// providerEnv assembles the environment overrides for a provider from a
// host environment snapshot.
func providerEnv(provider Provider, environ map[string]string) map[string]string {
	env := map[string]string{}

	for _, key := range apiKeyVars[provider] {
		if v, ok := environ[key]; ok && v != "" {
			env[key] = v
			break
		}
	}

	for _, key := range commonKeyVars {
		if _, set := env[key]; set {
			continue
		}
		if v, ok := environ[key]; ok && v != "" {
			env[key] = v
		}
	}

	for _, key := range openAIContextVars {
		if v, ok := environ[key]; ok && v != "" {
			env[key] = v
		}
	}

	return env
}
