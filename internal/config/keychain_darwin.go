//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// secretLookup asks the login keychain for a generic password.
func secretLookup(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain %s/%s: %w", service, account, err)
	}
	return out, nil
}

func apiKeyHint(backend string) string {
	return fmt.Sprintf(", or the macOS Keychain (service %q, account %q)", keychainService, backend+"_api_key")
}
