package providers

import (
	"net/url"
	"strings"
)

// ProviderLabel names the upstream behind a completion endpoint for logs and
// metrics. The API host wins; the model prefix is the fallback.
func ProviderLabel(apiBase, model string) string {
	if u, err := url.Parse(strings.TrimSpace(apiBase)); err == nil && u.Host != "" {
		host := strings.ToLower(u.Hostname())
		switch {
		case strings.HasSuffix(host, "openrouter.ai"):
			return "openrouter"
		case strings.HasSuffix(host, "openai.com"):
			return "openai"
		case strings.HasSuffix(host, "groq.com"):
			return "groq"
		case strings.HasSuffix(host, "deepseek.com"):
			return "deepseek"
		case host == "localhost" || host == "127.0.0.1":
			return "local"
		}
	}

	m := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.Index(m, "/"); idx > 0 {
		return m[:idx]
	}
	switch {
	case strings.Contains(m, "gpt"):
		return "openai"
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "gemini"):
		return "gemini"
	default:
		return "unknown"
	}
}
