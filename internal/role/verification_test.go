package role

import (
	"strings"
	"testing"
)

func TestVerifyCode_Disabled(t *testing.T) {
	findings := VerifyCode("import os\nos.system('rm -rf /')", VerificationConfig{Enabled: false})
	if findings != nil {
		t.Errorf("findings = %v, want nil when verification is off", findings)
	}
}

func TestVerifyCode_Magics(t *testing.T) {
	cfg := VerificationConfig{Enabled: true}

	tests := []struct {
		name        string
		code        string
		wantFinding bool
	}{
		{"line magic", "%matplotlib inline\nx = 1", true},
		{"cell magic", "%%bash\necho hi", true},
		{"shell command", "!ls -la", true},
		{"pip install tolerated", "!pip install pandas\nx = 1", false},
		{"conda install tolerated", "!conda install numpy", false},
		{"plain code", "x = 1\nprint(x)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := VerifyCode(tt.code, cfg)
			if (len(findings) > 0) != tt.wantFinding {
				t.Errorf("VerifyCode(%q) findings = %v, wantFinding %v", tt.code, findings, tt.wantFinding)
			}
		})
	}
}

func TestVerifyCode_BlockedModules(t *testing.T) {
	cfg := VerificationConfig{Enabled: true, BlockedModules: []string{"os", "subprocess"}}

	tests := []struct {
		name        string
		code        string
		wantFinding bool
	}{
		{"blocked import", "import os", true},
		{"blocked from import", "from subprocess import run", true},
		{"blocked dotted import", "import os.path", true},
		{"allowed import", "import math", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := VerifyCode(tt.code, cfg)
			if (len(findings) > 0) != tt.wantFinding {
				t.Errorf("VerifyCode(%q) findings = %v, wantFinding %v", tt.code, findings, tt.wantFinding)
			}
		})
	}
}

func TestVerifyCode_AllowedModules(t *testing.T) {
	cfg := VerificationConfig{Enabled: true, AllowedModules: []string{"pandas", "numpy"}}

	if findings := VerifyCode("import pandas", cfg); len(findings) != 0 {
		t.Errorf("allowed module flagged: %v", findings)
	}
	if findings := VerifyCode("import requests", cfg); len(findings) == 0 {
		t.Error("module outside allow list passed")
	}
}

func TestVerifyCode_DangerousBuiltins(t *testing.T) {
	cfg := VerificationConfig{Enabled: true}

	tests := []string{
		"getattr(obj, 'method')()",
		"globals()['secret']",
		"x.__class__.__bases__",
		"obj.__dict__['method']",
	}
	for _, code := range tests {
		t.Run(code, func(t *testing.T) {
			findings := VerifyCode(code, cfg)
			if len(findings) == 0 {
				t.Errorf("VerifyCode(%q) = no findings, want dangerous access flagged", code)
			}
		})
	}
}

func TestVerifyCode_BlockedFunctions(t *testing.T) {
	cfg := VerificationConfig{Enabled: true, BlockedFunctions: []string{"eval", "exec"}}

	if findings := VerifyCode("eval('1+1')", cfg); len(findings) == 0 {
		t.Error("blocked function passed")
	}
	if findings := VerifyCode("print('ok')", cfg); len(findings) != 0 {
		t.Errorf("unblocked function flagged: %v", findings)
	}
}

func TestVerifyCode_CommentsIgnored(t *testing.T) {
	cfg := VerificationConfig{Enabled: true, BlockedModules: []string{"os"}}

	findings := VerifyCode("# import os\nx = 1", cfg)
	if len(findings) != 0 {
		t.Errorf("commented import flagged: %v", findings)
	}
}

func TestVerifyCode_FindingNamesLine(t *testing.T) {
	cfg := VerificationConfig{Enabled: true, BlockedModules: []string{"os"}}

	findings := VerifyCode("x = 1\nimport os", cfg)
	if len(findings) != 1 {
		t.Fatalf("findings = %v, want 1", findings)
	}
	if !strings.Contains(findings[0], "line 2") {
		t.Errorf("finding %q does not name line 2", findings[0])
	}
}
