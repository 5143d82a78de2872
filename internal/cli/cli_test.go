package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func setEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "dispatch.db"))
	t.Setenv("JWT_SECRET", "cli-test-secret")
	t.Setenv("VAULT_ENABLED", "0")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("1.2.3")
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "create-user", "mint-token", "rotate-token"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag")
	}
}

func TestUserLifecycle(t *testing.T) {
	setEnv(t)

	if out, err := run(t, "migrate"); err != nil || !strings.Contains(out, "schema up to date") {
		t.Fatalf("migrate: out=%q err=%v", out, err)
	}

	out, err := run(t, "create-user", "--username", "ops", "--password", "long-enough", "--role", "admin")
	if err != nil {
		t.Fatalf("create-user: %v", err)
	}
	if !strings.Contains(out, "created user ops") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = run(t, "mint-token", "--username", "ops")
	if err != nil {
		t.Fatalf("mint-token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("expected a JWT, got %q", out)
	}

	if _, err := run(t, "mint-token", "--username", "ghost"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestCreateUserValidation(t *testing.T) {
	setEnv(t)

	if _, err := run(t, "create-user", "--username", "x", "--password", "long-enough", "--role", "root"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := run(t, "create-user", "--username", "x", "--password", "short"); err == nil {
		t.Error("expected error for short password")
	}
}

func TestRotateTokenUnknownDeployment(t *testing.T) {
	setEnv(t)
	if _, err := run(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := run(t, "rotate-token", "--deployment", "abc"); err == nil {
		t.Error("expected error for unregistered deployment")
	}
}
