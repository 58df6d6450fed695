package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Secure keys live outside the YAML config so a shared config file never
// carries credentials. Format: one MWA_SECURE_KEY_<PROJECT>=value per line.

// LoadSecretsEnv reads $XDG_CONFIG_HOME/shadower/secrets.env (or
// ~/.config/shadower/secrets.env) and returns key/value pairs. Lines
// starting with # are ignored.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "shadower", "secrets.env")
	}
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out, nil // not fatal if missing; SecureKeyFor decides
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out[k] = v
		}
	}
	return out, s.Err()
}

// SecureKeyFor resolves the trigger credential for an MWA project, with the
// environment taking precedence over secrets.env. The key never enters the
// config structs and is excluded from request logging downstream.
func SecureKeyFor(secrets map[string]string, projectID string) (string, error) {
	name := "MWA_SECURE_KEY_" + strings.ToUpper(projectID)
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	if v := secrets[name]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no secure key for project %s: set %s in secrets.env or the environment", projectID, name)
}
