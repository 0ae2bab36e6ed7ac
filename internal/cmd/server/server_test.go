package server

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "localhost:8080" {
		t.Fatalf("http addr = %q, want localhost:8080", cfg.HTTPAddr)
	}
	if cfg.DBPath != "opsdeck.db" {
		t.Fatalf("db path = %q, want opsdeck.db", cfg.DBPath)
	}
	if cfg.TrustForwardedHeaders {
		t.Fatal("trust forwarded headers defaults on")
	}
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("OPSDECK_HTTP_ADDR", "0.0.0.0:9000")
	t.Setenv("OPSDECK_TRUST_FORWARDED_HEADERS", "true")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db", "/tmp/opsdeck-test.db"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:9000" {
		t.Fatalf("http addr = %q, want env value", cfg.HTTPAddr)
	}
	if !cfg.TrustForwardedHeaders {
		t.Fatal("trust forwarded headers not read from env")
	}
	if cfg.DBPath != "/tmp/opsdeck-test.db" {
		t.Fatalf("db path = %q, want flag value", cfg.DBPath)
	}
}
