package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mdp/qrterminal/v3"

	"termrelay/internal/config"
	"termrelay/internal/hub"
	"termrelay/internal/shell"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "termrelay dev") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--secret", "s3cret", "--subject", "ops", "--ttl", "2m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := hub.NewTokenManager("s3cret").VerifyAdmin(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenCommandReadsConfigSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termrelay.yaml")
	if err := os.WriteFile(path, []byte("relay:\n  admin_secret: from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TERMRELAY_ADMIN_SECRET", "")
	out, err := execute(t, "--config", path, "token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, err := hub.NewTokenManager("from-file").VerifyAdmin(strings.TrimSpace(out)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("TERMRELAY_ADMIN_SECRET", "")
	t.Setenv("TERMRELAY_CONFIG", "")
	if _, err := execute(t, "token"); err == nil || !strings.Contains(err.Error(), "admin secret required") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestQRCommand(t *testing.T) {
	if _, err := execute(t, "qr"); err == nil {
		t.Fatalf("expected usage error without url")
	}
	out, err := execute(t, "qr", "https://term.example.com", "--code", "H4F7KN")
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	if !strings.Contains(out, "pairing code: H4F7KN") || !strings.Contains(out, qrterminal.BLACK) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRelayRejectsInvalidConfig(t *testing.T) {
	if _, err := execute(t, "relay", "--code-ttl", "-1s"); err == nil || !strings.Contains(err.Error(), "code_ttl") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAgentRejectsInvalidRelayURL(t *testing.T) {
	if _, err := execute(t, "agent", "--relay", "http://relay.example"); err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}

func TestRunRelayShutsDownOnCancel(t *testing.T) {
	rc := config.DefaultRelay()
	rc.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runRelay(ctx, rc, log.New(io.Discard, "", 0)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestNewAgentClientWiresShellManager(t *testing.T) {
	ac := config.DefaultAgent()
	ac.Tmux = "tmux"
	ac.ClientID = "laptop"
	client := newAgentClient(ac, log.New(io.Discard, "", 0), nil)
	mgr, ok := client.Manager.(*shell.LocalManager)
	if !ok {
		t.Fatalf("unexpected manager %T", client.Manager)
	}
	if mgr.Tmux != "tmux" || mgr.Shell != "bash" || client.ClientID != "laptop" {
		t.Fatalf("unexpected wiring %+v %+v", mgr, client)
	}
}
