package llm

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderArk       Provider = "ark"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// DefaultArkBaseURL is the OpenAI-compatible endpoint of Volcano Engine Ark.
const DefaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"ark/ep-20250212181835-cb6kv" → (ark, "ep-20250212181835-cb6kv")
//	"ollama/llama3.2"             → (ollama, "llama3.2")
//	"openai/gpt-4o"               → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514"    → (anthropic, "claude-sonnet-4-20250514")
//	"ep-20250212181835-cb6kv"     → (ark, "ep-20250212181835-cb6kv")
//	"deepseek-reasoner"           → (openai, "deepseek-reasoner")
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "ark":
			return ProviderArk, name
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic, model
	case strings.HasPrefix(lower, "ep-"):
		return ProviderArk, model
	}

	// Everything else speaks the OpenAI protocol, which is what the
	// deployment targets by default.
	return ProviderOpenAI, model
}

// ClientOptions holds what NewClient needs to build a provider client.
type ClientOptions struct {
	Provider       Provider
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	ThinkingBudget int64
}

// NewClient creates the client for opts.Provider.
//
// Environment variables used when the matching option is empty:
//
//	ARK_API_KEY       : Ark API key
//	OPENAI_API_KEY    : OpenAI API key
//	OPENAI_BASE_URL   : Custom OpenAI-compatible base URL
//	OLLAMA_HOST       : Ollama server address (default: http://localhost:11434)
//	ANTHROPIC_API_KEY : Anthropic API key (read by SDK automatically)
func NewClient(opts ClientOptions) (Client, error) {
	httpClient := &http.Client{Timeout: opts.Timeout}

	switch opts.Provider {
	case ProviderArk:
		key := firstNonEmpty(opts.APIKey, os.Getenv("ARK_API_KEY"))
		base := firstNonEmpty(opts.BaseURL, os.Getenv("OPENAI_BASE_URL"), DefaultArkBaseURL)
		return NewOpenAICompatibleClient(base, key, WithHTTPClient(httpClient)), nil

	case ProviderOpenAI, "":
		key := firstNonEmpty(opts.APIKey, os.Getenv("OPENAI_API_KEY"), os.Getenv("ARK_API_KEY"))
		if base := firstNonEmpty(opts.BaseURL, os.Getenv("OPENAI_BASE_URL")); base != "" {
			return NewOpenAICompatibleClient(base, key, WithHTTPClient(httpClient)), nil
		}
		return NewOpenAIClient(key, WithHTTPClient(httpClient)), nil

	case ProviderOllama:
		host := firstNonEmpty(opts.BaseURL, os.Getenv("OLLAMA_HOST"), "http://localhost:11434")
		return NewOpenAICompatibleClient(strings.TrimRight(host, "/")+"/v1", "", WithHTTPClient(httpClient)), nil

	case ProviderAnthropic:
		var aopts []AnthropicOption
		if opts.ThinkingBudget > 0 {
			aopts = append(aopts, WithThinking(opts.ThinkingBudget))
		}
		if opts.APIKey != "" {
			return NewAnthropicClientWithKey(opts.APIKey, aopts...), nil
		}
		return NewAnthropicClient(aopts...), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
