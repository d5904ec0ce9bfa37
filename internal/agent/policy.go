package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/remoteagent/gateway/internal/config"
)

// SecurityPolicy enforces the bash tool's allow-list and hard risk
// boundaries. It does not itself gate on user approval: a tool call whose
// risk is merely "medium" is expected to have already passed through the
// gateway's own confirmation step (askBeforeToolExecution /
// ToolConfirmationRequest/Response, §4.D-E) before reaching ExecuteJSON —
// the bash arguments a model emits carry no approval flag of their own, so
// this policy only blocks what confirmation can never override.
type SecurityPolicy struct {
	autonomy      string
	allowed       map[string]struct{}
	workspaceOnly bool
	blockHighRisk bool
}

func NewSecurityPolicy(cfg *config.Config) *SecurityPolicy {
	allowed := map[string]struct{}{}
	list := []string{
		// file operations
		"ls", "cat", "grep", "find", "echo", "pwd", "wc", "head", "tail",
		"mkdir", "touch", "cp", "mv", "rm", "chmod", "chown", "stat",
		// dev tooling
		"git", "npm", "cargo", "go", "python", "python3", "pip", "pip3",
		"node", "yarn", "pnpm", "make", "cmake",
		// text processing
		"sort", "uniq", "awk", "sed", "cut", "tr", "tee", "xargs",
		// system info
		"date", "which", "whoami", "uname", "env", "printenv",
		// archives
		"tar", "zip", "unzip", "gzip", "gunzip",
		"cd", "basename", "dirname", "realpath", "du", "df",
	}
	// Merge user-defined entries instead of replacing baseline, because some
	// existing configs store tool ids here (e.g. "bash"), not OS command names.
	list = append(list, cfg.Agent.Sandbox.Allow...)
	for _, cmd := range list {
		cmd = strings.TrimSpace(cmd)
		if cmd != "" {
			allowed[cmd] = struct{}{}
		}
	}
	autonomy := strings.ToLower(strings.TrimSpace(cfg.Autonomy.Level))
	if autonomy == "" {
		autonomy = "supervised"
	}
	workspaceOnly := strings.ToLower(strings.TrimSpace(cfg.Agent.Sandbox.Mode)) == "workspace-only"
	return &SecurityPolicy{
		autonomy:      autonomy,
		allowed:       allowed,
		workspaceOnly: workspaceOnly,
		blockHighRisk: true,
	}
}

func (p *SecurityPolicy) ValidateBashInput(inputJSON string) error {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
		return fmt.Errorf("invalid bash input json: %w", err)
	}
	cmd := strings.TrimSpace(in.Command)
	if cmd == "" {
		return fmt.Errorf("command is required")
	}

	normalized := strings.ToLower(cmd)
	if strings.Contains(normalized, "`") || strings.Contains(normalized, "$(") || strings.Contains(normalized, "${") {
		return fmt.Errorf("command blocked by policy")
	}

	hasCommand := false
	highestRisk := "low"
	for _, seg := range splitCommandSegments(cmd) {
		risk := commandRiskLevel(seg)
		if risk == "high" {
			highestRisk = "high"
		} else if risk == "medium" && highestRisk != "high" {
			highestRisk = "medium"
		}

		base := baseCommand(seg)
		if base == "" {
			continue
		}
		hasCommand = true
		if _, ok := p.allowed[base]; !ok {
			return fmt.Errorf("command not allowed by policy: %s", base)
		}
	}
	if !hasCommand {
		return fmt.Errorf("command is required")
	}

	if p.workspaceOnly && hasAbsolutePath(cmd) {
		return fmt.Errorf("command blocked: absolute paths are disallowed in workspace-only mode")
	}

	if p.blockHighRisk && highestRisk == "high" {
		return fmt.Errorf("command blocked: high-risk command is disallowed by policy")
	}
	if p.autonomy == "readonly" {
		return fmt.Errorf("command execution is disabled in read-only mode")
	}

	return nil
}

func hasAbsolutePath(command string) bool {
	for _, token := range strings.Fields(command) {
		token = strings.Trim(token, "\"'")
		if token == "" {
			continue
		}
		if strings.HasPrefix(token, "~/") {
			return true
		}
		if filepath.IsAbs(token) {
			return true
		}
	}
	return false
}

func commandRiskLevel(segment string) string {
	base := strings.ToLower(baseCommand(segment))
	lowered := strings.ToLower(segment)

	highRisk := map[string]struct{}{
		"rm": {}, "mkfs": {}, "dd": {}, "shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
		"sudo": {}, "su": {}, "chown": {}, "chmod": {}, "useradd": {}, "userdel": {}, "usermod": {},
		"passwd": {}, "mount": {}, "umount": {}, "iptables": {}, "ufw": {}, "firewall-cmd": {},
		"curl": {}, "wget": {}, "nc": {}, "ncat": {}, "netcat": {}, "scp": {}, "ssh": {}, "ftp": {}, "telnet": {},
	}
	if _, ok := highRisk[base]; ok {
		return "high"
	}
	if strings.Contains(lowered, "rm -rf /") || strings.Contains(lowered, "rm -fr /") || strings.Contains(lowered, ":(){:|:&};:") {
		return "high"
	}

	parts := strings.Fields(lowered)
	if len(parts) > 1 {
		switch base {
		case "git":
			medium := map[string]struct{}{
				"commit": {}, "push": {}, "reset": {}, "clean": {}, "rebase": {}, "merge": {},
				"cherry-pick": {}, "revert": {}, "branch": {}, "checkout": {},
			}
			if _, ok := medium[parts[1]]; ok {
				return "medium"
			}
		case "npm":
			if parts[1] == "publish" {
				return "medium"
			}
		case "cargo":
			if parts[1] == "publish" {
				return "medium"
			}
		}
	}
	return "low"
}

func splitCommandSegments(command string) []string {
	normalized := command
	for _, sep := range []string{"&&", "||", "\n", ";", "|"} {
		normalized = strings.ReplaceAll(normalized, sep, "\x00")
	}
	parts := strings.Split(normalized, "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func baseCommand(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	first := fields[0]
	// Skip env assignment: FOO=bar cmd
	if strings.Contains(first, "=") && len(fields) > 1 {
		first = fields[1]
	}
	if i := strings.LastIndex(first, "/"); i >= 0 {
		first = first[i+1:]
	}
	return strings.TrimSpace(first)
}
