package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/hearthframe/voxrt/internal/config"
)

func TestVerifyONNX_MissingManifest(t *testing.T) {
	cfg := config.DefaultConfig()
	missingManifest := filepath.Join(t.TempDir(), "missing", "manifest.json")

	err := verifyONNX(missingManifest, cfg, 23)
	if err == nil || !strings.Contains(err.Error(), "model verify failed") {
		t.Fatalf("expected wrapped verify error, got: %v", err)
	}
}

func TestNewModelVerifyCmd_InvalidBackend(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.DefaultConfig()

	cmd := newModelVerifyCmd()
	cmd.SetArgs([]string{"--backend", "bogus"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid backend") {
		t.Fatalf("expected invalid backend error, got: %v", err)
	}
}

func TestNewModelVerifyCmd_DefaultBackendONNX(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.DefaultConfig()
	activeCfg.TTS.Backend = config.BackendONNX

	cmd := newModelVerifyCmd()
	cmd.SetArgs([]string{"--manifest", filepath.Join(t.TempDir(), "missing-manifest.json")})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "model verify failed") {
		t.Fatalf("expected onnx verify error, got: %v", err)
	}
}
