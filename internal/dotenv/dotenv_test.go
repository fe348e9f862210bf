package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# comment\n" +
		"REFRAME_DOTENV_FROM_FILE=loaded\n" +
		"REFRAME_DOTENV_QUOTED=\"hello world\"\n" +
		"export REFRAME_DOTENV_EXPORTED=ok\n" +
		"REFRAME_DOTENV_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	for _, key := range []string{"REFRAME_DOTENV_FROM_FILE", "REFRAME_DOTENV_QUOTED", "REFRAME_DOTENV_EXPORTED"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	t.Setenv("REFRAME_DOTENV_EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("REFRAME_DOTENV_FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("REFRAME_DOTENV_QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("REFRAME_DOTENV_EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("REFRAME_DOTENV_EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFile_MalformedFile(t *testing.T) {
	t.Parallel()
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("REFRAME_DOTENV_BROKEN=\"unterminated\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := LoadFile(envPath); err == nil {
		t.Fatalf("expected parse error")
	}
}
