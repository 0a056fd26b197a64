package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/convertd/api-go/internal/config"
	"github.com/example/convertd/api-go/internal/store"
)

func TestFormatsCommand(t *testing.T) {
	cfg := config.Config{}
	root := rootCmd(&cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"formats"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"FAMILY", "document", "spreadsheet", "xlsx"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cfg := config.Config{Addr: ":8080", DataDir: "./local-data"}
	root := rootCmd(&cfg)
	if err := root.ParseFlags([]string{"--addr", ":9999", "--data-dir", "/tmp/x"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.DataDir != "/tmp/x" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestOpenStore(t *testing.T) {
	mem, err := openStore(config.Config{JobStore: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.(*store.Memory); !ok {
		t.Fatalf("memory store = %T", mem)
	}

	db, err := openStore(config.Config{JobStore: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if _, ok := db.(*store.SQLite); !ok {
		t.Fatalf("sqlite store = %T", db)
	}
}
