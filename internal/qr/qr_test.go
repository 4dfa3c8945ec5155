package qr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mdp/qrterminal/v3"
)

func TestRenderANSIProducesExpectedLines(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderANSI(&buf, "https://example.com/?code=H4F7KN"); err != nil {
		t.Fatalf("render: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("expected multiple lines, got %d", len(lines))
	}
	out := buf.String()
	if !strings.Contains(out, qrterminal.BLACK) || !strings.Contains(out, qrterminal.WHITE) {
		t.Fatalf("expected qrterminal block characters")
	}
}

func TestPairingURL(t *testing.T) {
	got, err := PairingURL("https://term.example.com/view?theme=dark", "H4F7KN")
	if err != nil {
		t.Fatalf("PairingURL: %v", err)
	}
	if got != "https://term.example.com/view?code=H4F7KN&theme=dark" {
		t.Fatalf("unexpected url %q", got)
	}
	if _, err := PairingURL("ftp://term.example.com", "H4F7KN"); err == nil {
		t.Fatalf("expected scheme rejected")
	}
	if _, err := PairingURL("://bad", "H4F7KN"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRenderPairing(t *testing.T) {
	var plain bytes.Buffer
	if err := RenderPairing(&plain, "", "H4F7KN"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if plain.String() != "pairing code: H4F7KN\n" {
		t.Fatalf("unexpected output %q", plain.String())
	}

	var withLink bytes.Buffer
	if err := RenderPairing(&withLink, "https://term.example.com", "H4F7KN"); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := withLink.String()
	if !strings.Contains(out, "open https://term.example.com?code=H4F7KN") || !strings.Contains(out, qrterminal.BLACK) {
		t.Fatalf("unexpected output %q", out)
	}
}
