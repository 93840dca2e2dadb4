package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sipeed/larkrelay/pkg/config"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	if !strings.HasPrefix(out.String(), "larkrelay ") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestBuildServerWithoutCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := buildServer(cfg); err != nil {
		t.Fatalf("server should start without credentials: %v", err)
	}
}

func TestBuildServerRejectsUnknownSchema(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Lark.EventSchemas = config.FlexibleStringSlice{"9.9"}
	if _, err := buildServer(cfg); err == nil {
		t.Fatal("expected error for unknown event schema")
	}
}

func TestMask(t *testing.T) {
	if got := mask("t-1234567890abcd"); got != "t-12...abcd" {
		t.Fatalf("mask = %q", got)
	}
	if got := mask("short"); got != "****" {
		t.Fatalf("mask = %q", got)
	}
}
