package role

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrCodeVerificationFailed marks a recoverable verification failure; the
// worker feeds the findings back into its retry loop.
var ErrCodeVerificationFailed = errors.New("code verification failed")

// dangerousBuiltins can be used for dynamic attribute access bypasses and
// are always rejected when verification is on
var dangerousBuiltins = []string{
	"getattr",
	"setattr",
	"delattr",
	"vars",
	"globals",
	"locals",
	"__getattribute__",
	"__setattr__",
	"__delattr__",
	"__dict__",
	"__class__",
	"__bases__",
	"__subclasses__",
	"__mro__",
	"__builtins__",
}

var (
	lineMagicPattern    = regexp.MustCompile(`^\s*%\s*[a-zA-Z_]\w*`)
	cellMagicPattern    = regexp.MustCompile(`^\s*%%\s*[a-zA-Z_]\w*`)
	shellCommandPattern = regexp.MustCompile(`^\s*!`)
	importPattern       = regexp.MustCompile(`^\s*import\s+([a-zA-Z_][\w.]*)`)
	fromImportPattern   = regexp.MustCompile(`^\s*from\s+([a-zA-Z_][\w.]*)\s+import`)
	callPattern         = regexp.MustCompile(`([A-Za-z_][\w.]*)\s*\(`)
	subscriptPattern    = regexp.MustCompile(`\[\s*["']([^"']+)["']\s*\]`)
)

// VerificationConfig controls code verification. At most one of Allowed/
// Blocked may be set per dimension.
type VerificationConfig struct {
	Enabled          bool
	AllowedModules   []string
	BlockedModules   []string
	AllowedFunctions []string
	BlockedFunctions []string
}

// VerifyCode statically checks a code snippet against the configured
// policy. Returns the list of findings; empty means the code passed.
// Verification works on lines, not a host-language AST: the kernel's
// language is plugin territory, and the policy dimensions (magics, imports,
// call names, dunder access) are all line-expressible.
func VerifyCode(code string, cfg VerificationConfig) []string {
	if !cfg.Enabled {
		return nil
	}

	var findings []string

	magics, codeLines := separateMagicsAndCode(code)
	if len(magics) > 0 {
		findings = append(findings,
			fmt.Sprintf("Magic commands except package install are not allowed. Details: %v", magics))
	}

	for lineNo, line := range codeLines {
		if line.text == "" {
			continue
		}
		findings = append(findings, checkImports(line, lineNo, cfg)...)
		findings = append(findings, checkCalls(line, lineNo, cfg)...)
		findings = append(findings, checkDunderAccess(line, lineNo)...)
	}

	return findings
}

type codeLine struct {
	text   string
	number int // 1-based position in the original snippet
}

// separateMagicsAndCode splits kernel magics and shell commands from
// ordinary code. Package install commands are tolerated.
func separateMagicsAndCode(code string) ([]string, []codeLine) {
	var magics []string
	var lines []codeLine

	insideCellMagic := false
	for i, raw := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if insideCellMagic {
			magics = append(magics, raw)
			continue
		}

		switch {
		case cellMagicPattern.MatchString(raw):
			insideCellMagic = true
			magics = append(magics, raw)
		case lineMagicPattern.MatchString(raw) || shellCommandPattern.MatchString(raw):
			if strings.Contains(raw, "pip install") || strings.Contains(raw, "conda install") {
				continue
			}
			magics = append(magics, raw)
		default:
			lines = append(lines, codeLine{text: raw, number: i + 1})
		}
	}
	return magics, lines
}

func checkImports(line codeLine, _ int, cfg VerificationConfig) []string {
	if cfg.AllowedModules == nil && cfg.BlockedModules == nil {
		return nil
	}

	var module string
	if m := importPattern.FindStringSubmatch(line.text); m != nil {
		module = m[1]
	} else if m := fromImportPattern.FindStringSubmatch(line.text); m != nil {
		module = m[1]
	} else {
		return nil
	}
	module = strings.SplitN(module, ".", 2)[0]

	if !allowedByLists(module, cfg.AllowedModules, cfg.BlockedModules) {
		return []string{fmt.Sprintf("Error on line %d: %s => Importing module '%s' is not allowed.",
			line.number, line.text, module)}
	}
	return nil
}

func checkCalls(line codeLine, _ int, cfg VerificationConfig) []string {
	var findings []string
	for _, m := range callPattern.FindAllStringSubmatch(line.text, -1) {
		name := m[1]
		// For attribute calls, policy applies to the final attribute
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}

		if cfg.AllowedFunctions != nil || cfg.BlockedFunctions != nil {
			if !allowedByLists(name, cfg.AllowedFunctions, cfg.BlockedFunctions) {
				findings = append(findings,
					fmt.Sprintf("Error on line %d: %s => Function '%s' is not allowed.",
						line.number, line.text, name))
			}
		}

		for _, dangerous := range dangerousBuiltins {
			if name == dangerous {
				findings = append(findings,
					fmt.Sprintf("Error on line %d: %s => Function '%s' is blocked as it can be used to bypass security checks.",
						line.number, line.text, name))
			}
		}
	}
	return findings
}

// checkDunderAccess rejects attribute or subscript access to dangerous
// dunder names, which can bypass call-name policies
func checkDunderAccess(line codeLine, _ int) []string {
	var findings []string

	for _, dangerous := range dangerousBuiltins {
		if !strings.HasPrefix(dangerous, "__") {
			continue
		}
		if strings.Contains(line.text, "."+dangerous) {
			findings = append(findings,
				fmt.Sprintf("Error on line %d: %s => Attribute access to '%s' is blocked for security reasons.",
					line.number, line.text, dangerous))
		}
	}

	for _, m := range subscriptPattern.FindAllStringSubmatch(line.text, -1) {
		key := m[1]
		if strings.HasPrefix(key, "__") {
			findings = append(findings,
				fmt.Sprintf("Error on line %d: %s => Subscript access to '%s' is blocked for security reasons.",
					line.number, line.text, key))
		}
	}
	return findings
}

// allowedByLists applies allow/block list semantics: a non-nil allow list
// admits only its members; a non-nil block list rejects its members.
func allowedByLists(name string, allowed, blocked []string) bool {
	if allowed != nil {
		for _, a := range allowed {
			if name == a {
				return true
			}
		}
		return false
	}
	if blocked != nil {
		for _, b := range blocked {
			if name == b {
				return false
			}
		}
	}
	return true
}

// CorrectionMessage is fed back to the model after a verification failure
func CorrectionMessage() string {
	return "The generated code has been verified and some errors are found. " +
		"If you think you can fix the problem by rewriting the code, " +
		"please do it and try again.\n" +
		"Otherwise, please explain the problem to me."
}
