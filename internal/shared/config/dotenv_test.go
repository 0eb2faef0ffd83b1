package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEnvLine(t *testing.T) {
	tests := []struct {
		line string
		key  string
		val  string
		ok   bool
	}{
		{line: "OPS_PORT=9191", key: "OPS_PORT", val: "9191", ok: true},
		{line: "export REDIS_URL = redis://localhost:6379/0", key: "REDIS_URL", val: "redis://localhost:6379/0", ok: true},
		{line: `PROFILE_TEXT="Go backend, 6 years"`, key: "PROFILE_TEXT", val: "Go backend, 6 years", ok: true},
		{line: "EXCLUDE_KEYWORDS='php,1C'", key: "EXCLUDE_KEYWORDS", val: "php,1C", ok: true},
		{line: "# comment", ok: false},
		{line: "   ", ok: false},
		{line: "NO_EQUALS", ok: false},
		{line: "=value", ok: false},
	}
	for _, tt := range tests {
		key, val, ok := parseEnvLine(tt.line)
		if ok != tt.ok || key != tt.key || val != tt.val {
			t.Fatalf("parseEnvLine(%q) = %q, %q, %v; want %q, %q, %v", tt.line, key, val, ok, tt.key, tt.val, tt.ok)
		}
	}
}

func TestLoadEnvFilesKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PIPELINE_TEST_SET=from-file\nPIPELINE_TEST_NEW=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PIPELINE_TEST_SET", "from-shell")
	t.Setenv("PIPELINE_TEST_NEW", "")
	os.Unsetenv("PIPELINE_TEST_NEW")
	t.Cleanup(func() { os.Unsetenv("PIPELINE_TEST_NEW") })

	loadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path)

	if got := os.Getenv("PIPELINE_TEST_SET"); got != "from-shell" {
		t.Fatalf("existing value overridden: %q", got)
	}
	if got := os.Getenv("PIPELINE_TEST_NEW"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}
