package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testRego = `package test.policy

# Test policy for validation

deny contains "Invalid block name" if {
	some block in input.blocks
	block.name == "invalid"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")
	writeFile(t, policyFile, testRego)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != testRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
	if policy.Description != "Test policy for validation" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test-policy.json")
	data, err := json.Marshal(map[string]interface{}{
		"description": "A test policy",
		"rego":        testRego,
		"severity":    "error",
		"tags":        []string{"test"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != "test-policy" {
		t.Errorf("Expected name from file, got '%s'", loaded.Name)
	}
	if loaded.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", loaded.Severity)
	}
	if !loaded.Enabled {
		t.Error("Expected JSON policies to default to enabled")
	}
	if len(loaded.Tags) != 1 || loaded.Tags[0] != "test" {
		t.Errorf("Unexpected tags %v", loaded.Tags)
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), "package a\n")
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("Unexpected policies %v", names)
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	bundle := Bundle{
		Name:    "house-style",
		Version: "1.0.0",
		Policies: []Policy{
			{Name: "one", Rego: "package one\n", Enabled: true},
			{Name: "two", Rego: "package two\n", Severity: SeverityError, Enabled: true},
		},
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	bundleFile := filepath.Join(t.TempDir(), "bundle.json")
	writeFile(t, bundleFile, string(data))

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != bundle.Name || loaded.Version != bundle.Version {
		t.Errorf("Unexpected bundle %s@%s", loaded.Name, loaded.Version)
	}
	if len(loaded.Policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(loaded.Policies))
	}
	if loaded.Policies[0].Severity != SeverityWarning || loaded.Policies[1].Severity != SeverityError {
		t.Errorf("Unexpected severities %s, %s", loaded.Policies[0].Severity, loaded.Policies[1].Severity)
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# This is a test policy
package test`,
			expected: "This is a test policy",
		},
		{
			name: "multi line comments",
			content: `# This is a test policy
# that spans multiple lines
package test`,
			expected: "This is a test policy that spans multiple lines",
		},
		{
			name:     "no comments",
			content:  "package test\n",
			expected: "",
		},
		{
			name: "comments with empty lines",
			content: `# First line
#
# Second line
package test`,
			expected: "First line Second line",
		},
		{
			name: "comment after package",
			content: `package test

# Checks names`,
			expected: "Checks names",
		},
		{
			name: "comments around imports",
			content: `# Name rules
package test

import rego.v1

# for value blocks
deny contains "x" if { false }
# not part of the description`,
			expected: "Name rules for value blocks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writeFile(t, policyFile, "package test\n")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	txt := filepath.Join(dir, "test.txt")
	writeFile(t, txt, "not a policy")
	if _, err := loader.loadFromFile(context.Background(), txt); err == nil {
		t.Error("Expected error for unsupported file type")
	}

	bad := filepath.Join(dir, "test.json")
	writeFile(t, bad, "invalid json")
	if _, err := loader.loadFromFile(context.Background(), bad); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	if _, err := loader.loadFromPath(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromFile_RefreshesChangedFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "style.rego")
	writeFile(t, policyFile, "# Old\npackage style\n")
	first, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	writeFile(t, policyFile, "# New description\npackage style\n")
	second, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if first.Description != "Old" || second.Description != "New description" {
		t.Errorf("Expected refreshed description, got %q then %q", first.Description, second.Description)
	}
}

func TestLoadFromFile_InvalidDefinitions(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "missing rego", content: `{"name": "x"}`},
		{name: "unknown severity", content: `{"name": "x", "rego": "package x\n", "severity": "fatal"}`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("p%d.json", i))
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	bundle := filepath.Join(dir, "bundle.json")
	writeFile(t, bundle, `{"version": "1", "policies": []}`)
	if _, err := loader.LoadBundle(context.Background(), bundle); err == nil {
		t.Error("Expected error for bundle without a name")
	}
}
