// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("HIVE_ARCHON_TEST_DIR", "/tmp/hive-archon-test")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain path untouched", "/var/log/hive", "/var/log/hive"},
		{"trailing slash cleaned", "/var/log/hive/", "/var/log/hive"},
		{"dot segments cleaned", "/var/log/../log/hive", "/var/log/hive"},
		{"tilde expands to home", "~/logs", filepath.Join(userHomeDir(), "logs")},
		{"env var expands", "$HIVE_ARCHON_TEST_DIR/logs", "/tmp/hive-archon-test/logs"},
	}
	for _, test := range tests {
		if got := cleanAndExpandPath(test.in); got != test.want {
			t.Errorf("%s: cleanAndExpandPath(%q) = %q, want %q",
				test.name, test.in, got, test.want)
		}
	}
}

func TestValidLogLevel(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error",
		"critical"} {
		if !validLogLevel(level) {
			t.Errorf("level %q should be valid", level)
		}
	}
	for _, level := range []string{"", "INFO", "warning", "fatal", "show"} {
		if validLogLevel(level) {
			t.Errorf("level %q should be invalid", level)
		}
	}
}

func TestSupportedSubsystems(t *testing.T) {
	subsystems := supportedSubsystems()
	if len(subsystems) != len(subsystemLoggers) {
		t.Fatalf("len = %d, want %d", len(subsystems), len(subsystemLoggers))
	}
	for i := 1; i < len(subsystems); i++ {
		if subsystems[i-1] >= subsystems[i] {
			t.Fatalf("subsystems not sorted: %v", subsystems)
		}
	}
	for _, want := range []string{"HIVE", "ARCH", "STOR", "GWAY", "CRPC",
		"PLUG", "SGNL"} {
		found := false
		for _, s := range subsystems {
			if s == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subsystem %q missing from %v", want, subsystems)
		}
	}
}

func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		name       string
		debugLevel string
		wantErr    string
	}{
		{"single level", "debug", ""},
		{"single pair", "HIVE=trace", ""},
		{"multiple pairs", "HIVE=info,GWAY=trace", ""},
		{"invalid level", "loud", "The specified debug level [loud] is invalid"},
		{"pair without separator", "HIVE=info,GWAY", "invalid subsystem/level pair [GWAY]"},
		{"unknown subsystem", "NOPE=info", "The specified subsystem [NOPE] is invalid"},
		{"invalid level in pair", "HIVE=loud", "The specified debug level [loud] is invalid"},
	}
	for _, test := range tests {
		err := parseAndSetDebugLevels(test.debugLevel)
		if test.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error: %v", test.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), test.wantErr) {
			t.Errorf("%s: error = %v, want substring %q", test.name, err,
				test.wantErr)
		}
	}

	// Restore the default level for any test that logs afterwards.
	setLogLevels(defaultLogLevel)
}

func TestFileExists(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "archon")
	if err != nil {
		t.Fatalf("unable to create temp file: %v", err)
	}
	name := f.Name()
	f.Close()

	if !fileExists(name) {
		t.Errorf("fileExists(%q) = false for existing file", name)
	}
	if fileExists(filepath.Join(t.TempDir(), "missing.conf")) {
		t.Error("fileExists reported a missing file as present")
	}
}
