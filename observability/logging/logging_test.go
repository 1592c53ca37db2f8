package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "vaultd.log")
	logger, closer := SetupWithOptions("vaultd", "test", Options{File: path, Level: "debug"})
	logger.Debug("vault ready", "operation", "boot")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(raw)
	for _, want := range []string{`"message":"vault ready"`, `"severity":"DEBUG"`, `"service":"vaultd"`, `"env":"test"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q missing %s", line, want)
		}
	}
}

func TestMasking(t *testing.T) {
	if got := MaskField("jwt_secret", "hunter2").Value.String(); got != RedactedValue {
		t.Fatalf("expected secret to be redacted, got %q", got)
	}
	if got := MaskField("operation", "deposit").Value.String(); got != "deposit" {
		t.Fatalf("allowlisted key redacted: %q", got)
	}
	if got := MaskToken("eyJhbGciOiJIUzI1NiJ9.payload"); got != "eyJh..."+RedactedValue {
		t.Fatalf("unexpected token mask %q", got)
	}
	if MaskValue("") != "" {
		t.Fatalf("empty values stay empty")
	}
}
