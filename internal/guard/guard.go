// Package guard holds the sandbox policy applied to tools that touch the
// shell or the filesystem.
package guard

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines what built-in tools may do.
type Policy struct {
	// AllowedTools lists the built-in tools to register; "*" registers all.
	AllowedTools      []string `json:"allowed_tools" yaml:"allowed_tools"`
	AllowedCommands   []string `json:"allowed_commands" yaml:"allowed_commands"`
	AllowedFileGlobs  []string `json:"allowed_file_globs" yaml:"allowed_file_globs"`
	BlockDangerousCmd bool     `json:"block_dangerous_cmd" yaml:"block_dangerous_cmd"`
	// MaxOutputBytes truncates tool output; zero means unlimited.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	AllowedTools:      []string{"*"},
	AllowedCommands:   []string{"ls", "cat", "grep", "git", "go", "mkdir", "echo", "date", "wc"},
	AllowedFileGlobs:  []string{"**"},
	BlockDangerousCmd: true,
	MaxOutputBytes:    16 * 1024,
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
}

func (v *Violation) Error() string {
	return v.Rule + ": " + v.Message
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// AllowsTool reports whether a built-in tool may be registered.
func (g *Guard) AllowsTool(name string) bool {
	for _, allow := range g.policy.AllowedTools {
		if allow == "*" || allow == name {
			return true
		}
	}
	return false
}

// CheckCommand verifies that the program a command line starts with is on
// the allow-list. "go" allows "go test" but not "gofmt".
func (g *Guard) CheckCommand(cmd string) *Violation {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return &Violation{Rule: "allowed_commands", Message: "Empty command"}
	}
	program := fields[0]

	for _, allow := range g.policy.AllowedCommands {
		if allow == "*" || allow == program {
			return nil
		}
		// Multi-word entries such as "git status" match as a prefix.
		if strings.Contains(allow, " ") && (cmd == allow || strings.HasPrefix(cmd, allow+" ")) {
			return nil
		}
	}
	return &Violation{Rule: "allowed_commands", Message: "Command not allowed: " + program}
}

// CheckShell verifies a full shell line: every pipeline or list segment must
// start with an allowed command. With BlockDangerousCmd set, command
// substitution is refused, and so are absolute or escaping paths in
// arguments and redirection targets.
func (g *Guard) CheckShell(line string) *Violation {
	if g.policy.BlockDangerousCmd {
		for _, bad := range []string{"`", "$(", "<(", ">("} {
			if strings.Contains(line, bad) {
				return &Violation{Rule: "block_dangerous_cmd", Message: "Command substitution not allowed"}
			}
		}
	}

	segments := splitShell(line)
	if len(segments) == 0 {
		return &Violation{Rule: "allowed_commands", Message: "Empty command"}
	}
	for _, seg := range segments {
		if v := g.CheckCommand(seg); v != nil {
			return v
		}
		if g.policy.BlockDangerousCmd {
			if v := g.checkShellArgs(seg); v != nil {
				return v
			}
		}
	}
	return nil
}

func (g *Guard) checkShellArgs(seg string) *Violation {
	fields := strings.Fields(seg)
	for _, f := range fields[1:] {
		target := strings.TrimLeft(f, "0123456789")
		target = strings.TrimLeft(target, "<>&")
		target = strings.Trim(target, `'"`)
		if target == "" || target == "/dev/null" || strings.HasPrefix(target, "-") {
			continue
		}
		if v := g.CheckDangerousPath(target); v != nil {
			return v
		}
	}
	return nil
}

// CheckFile verifies if a file path is within allowed globs.
func (g *Guard) CheckFile(path string) *Violation {
	if v := g.CheckDangerousPath(path); v != nil {
		return v
	}

	clean := filepath.ToSlash(filepath.Clean(path))
	for _, pattern := range g.policy.AllowedFileGlobs {
		match, err := doublestar.Match(pattern, clean)
		if err == nil && match {
			return nil
		}
	}
	return &Violation{Rule: "allowed_file_globs", Message: "File access not allowed: " + path}
}

// CheckDangerousPath refuses absolute paths and parent-directory escapes
// when BlockDangerousCmd is set.
func (g *Guard) CheckDangerousPath(path string) *Violation {
	if !g.policy.BlockDangerousCmd {
		return nil
	}
	if filepath.IsAbs(path) {
		return &Violation{Rule: "block_dangerous_cmd", Message: "Absolute path not allowed: " + path}
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &Violation{Rule: "block_dangerous_cmd", Message: "Path escapes working directory: " + path}
	}
	return nil
}

// Truncate cuts s to at most MaxOutputBytes, backing off to a rune
// boundary.
func (g *Guard) Truncate(s string) string {
	limit := g.policy.MaxOutputBytes
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "\n[truncated]"
}

// splitShell breaks a command line on ;, &&, ||, |, & and newlines into
// trimmed segments. The redirections >& and &> stay inside their segment.
func splitShell(line string) []string {
	r := strings.NewReplacer(
		"&&", "\x00", "||", "\x00", ">&", ">&", "&>", "&>",
		"&", "\x00", ";", "\x00", "|", "\x00", "\n", "\x00",
	)
	var out []string
	for _, seg := range strings.Split(r.Replace(line), "\x00") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
