//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// secretsFilePath is a TOML file with one table per service:
//
//	[litrag]
//	anthropic_api_key = "..."
func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.toml")
}

func apiKeyHint(backend string) string {
	return fmt.Sprintf(", or %s ([%s] %s_api_key)", secretsFilePath(), keychainService, backend)
}

func secretLookup(service, account string) ([]byte, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("no secret store: %w", err)
	}
	var secrets map[string]map[string]string
	if err := toml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", secretsFilePath(), err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("%s has no %s.%s", secretsFilePath(), service, account)
	}
	return []byte(val), nil
}
