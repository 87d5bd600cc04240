package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAutoResponseCfg(t *testing.T, dir, body string) {
	t.Helper()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "auto_response.cfg"), []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadAutoReplyRules_ExpandsPipeJoinedAliases(t *testing.T) {
	// Setup
	dir := t.TempDir()
	writeAutoResponseCfg(t, dir, "[hello|hi|hey]\nresponse = Welcome, $username!\ntelegramNotification = true\n")

	// Execute
	rules, err := LoadAutoReplyRules(dir)

	// Verify
	if err != nil {
		t.Fatalf("LoadAutoReplyRules: %v", err)
	}
	for _, alias := range []string{"hello", "hi", "hey"} {
		rule, ok := rules[alias]
		if !ok {
			t.Fatalf("expected alias %q to be registered", alias)
		}
		if rule.Response != "Welcome, $username!" || !rule.TelegramNotification {
			t.Errorf("unexpected rule for %q: %+v", alias, rule)
		}
	}
}

func TestLoadAutoReplyRules_MissingFileIsNotAnError(t *testing.T) {
	// Setup
	dir := t.TempDir()

	// Execute
	rules, err := LoadAutoReplyRules(dir)

	// Verify
	if err != nil {
		t.Fatalf("expected missing auto_response.cfg to be tolerated, got %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no rules, got %v", rules)
	}
}

func TestNormalizeCommand_StripsNewlinesAndLowercases(t *testing.T) {
	if got := NormalizeCommand("  HeLLo\n"); got != "hello" {
		t.Errorf("NormalizeCommand = %q, want %q", got, "hello")
	}
}

func TestLoadAutoDeliveryRules_ReadsLotSection(t *testing.T) {
	// Setup
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	body := "[10 keys]\nresponse = Here: $product\nproductsFileName = keys.txt\nautoRestore = true\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "auto_delivery.cfg"), []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Execute
	rules, err := LoadAutoDeliveryRules(dir)

	// Verify
	if err != nil {
		t.Fatalf("LoadAutoDeliveryRules: %v", err)
	}
	rule, ok := rules["10 keys"]
	if !ok {
		t.Fatalf("expected lot section '10 keys', got %v", rules)
	}
	if rule.ProductsFileName != "keys.txt" {
		t.Errorf("unexpected rule: %+v", rule)
	}
}
