package validation

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"uuid", "123e4567-e89b-12d3-a456-426614174000", false},
		{"server issued", "session-a1b2c3d4", false},
		{"server issued bad hex", "session-zzz", true},
		{"safe name", "my_session.1", false},
		{"slash", "a/b", true},
		{"traversal", "..", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestSafeBaseName(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
		wantErr  bool
	}{
		{"plain", "data.csv", "data.csv", false},
		{"dotted", "report.final.txt", "report.final.txt", false},
		{"traversal up", "../escape.txt", "", true},
		{"nested", "a/b.txt", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"dot", ".", "", true},
		{"double dot", "..", "", true},
		{"empty", "", "", true},
		{"sneaky", "..%2Fescape", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeBaseName(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("SafeBaseName(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SafeBaseName(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveUnder(root, "artifact.png")
	if err != nil {
		t.Fatalf("ResolveUnder() error = %v", err)
	}
	if !strings.HasPrefix(got, root) {
		t.Errorf("ResolveUnder() = %q, want under %q", got, root)
	}
	if filepath.Base(got) != "artifact.png" {
		t.Errorf("ResolveUnder() base = %q, want artifact.png", filepath.Base(got))
	}

	if _, err := ResolveUnder(root, "../outside.txt"); err == nil {
		t.Error("ResolveUnder() with escaping path, want error")
	}
	if _, err := ResolveUnder(root, "a/../../outside.txt"); err == nil {
		t.Error("ResolveUnder() with nested escape, want error")
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple", "data/file.txt", false},
		{"traversal", "../secret", true},
		{"absolute", "/etc/passwd", true},
		{"unsafe chars", "a;b", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SanitizePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
