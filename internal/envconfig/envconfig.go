// Package envconfig loads optional .env files and resolves the environment
// keys spec section 6 names, matching the teacher's v2/config dotenv loader.
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files without overwriting variables already set in
// the process environment. Search order (first found wins): current
// directory, then the user's home directory. Both are optional; a missing
// file is not an error.
func LoadDotEnv() {
	loadIfExists(".env")
	if home, err := os.UserHomeDir(); err == nil {
		loadIfExists(filepath.Join(home, ".env"))
	}
}

func loadIfExists(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Debug("envconfig: failed to load .env file", "path", path, "error", err)
		return
	}
	slog.Debug("envconfig: loaded environment", "path", path)
}

// ModelAPIKey resolves the model API key fallback chain spec section 6
// names, in this literal order: DEEPSEEK_API_KEY, then OPENAI_API_KEY,
// then KIMI_API_KEY.
func ModelAPIKey() string {
	for _, key := range []string{"DEEPSEEK_API_KEY", "OPENAI_API_KEY", "KIMI_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// ModelName resolves MODEL_NAME, or "" if unset.
func ModelName() string { return os.Getenv("MODEL_NAME") }

// ModelBaseURL resolves MODEL_BASE_URL, or "" if unset.
func ModelBaseURL() string { return os.Getenv("MODEL_BASE_URL") }

// TavilyAPIKey resolves TAVILY_API_KEY, or "" if unset.
func TavilyAPIKey() string { return os.Getenv("TAVILY_API_KEY") }

// FirecrawlAPIKey resolves FIRECRAWL_API_KEY, or "" if unset.
func FirecrawlAPIKey() string { return os.Getenv("FIRECRAWL_API_KEY") }
