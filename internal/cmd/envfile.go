package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// upsertEnvFile rewrites path with the given key=value updates applied,
// preserving unrelated lines and comments. Keys not present are appended.
func upsertEnvFile(path string, updates map[string]string) error {
	var lines []string
	if b, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(lines)+len(updates))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || !strings.Contains(line, "=") {
			out = append(out, line)
			continue
		}
		key := strings.TrimSpace(strings.SplitN(line, "=", 2)[0])
		if val, ok := updates[key]; ok {
			out = append(out, key+"="+val)
			seen[key] = true
			continue
		}
		out = append(out, line)
	}
	for key, val := range updates {
		if !seen[key] {
			out = append(out, key+"="+val)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	content := strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

// shellJoin quotes argv back into one shell command string, preserving the
// original argument boundaries.
func shellJoin(parts []string) string {
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		quoted = append(quoted, shellQuote(p))
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '.' || r == '/' || r == '-' || r == '_' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
