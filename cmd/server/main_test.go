package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NicolasHaas/roomchat/pkg/version"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := strings.TrimSpace(out); got != version.Full() {
		t.Errorf("version output = %q, want %q", got, version.Full())
	}
}

func TestExportCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "roomchat.yaml")
	if err := os.WriteFile(filepath.Join(dir, "banned_users.txt"), []byte("mallory\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "export", "users", "--config", cfgPath, "--data-dir", dir)
	if err != nil {
		t.Fatalf("export users: %v", err)
	}
	if out != "users: []\n" {
		t.Errorf("export users = %q", out)
	}

	out, err = runCLI(t, "export", "bans", "--config", cfgPath, "--data-dir", dir)
	if err != nil {
		t.Fatalf("export bans: %v", err)
	}
	if !strings.Contains(out, "username: mallory") {
		t.Errorf("export bans = %q", out)
	}

	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestInvalidBackendFails(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "export", "users",
		"--config", filepath.Join(dir, "roomchat.yaml"),
		"--data-dir", dir,
		"--store-backend", "postgres")
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}
