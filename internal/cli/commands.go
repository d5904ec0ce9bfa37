package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remoteagent/gateway/internal/agent"
	"github.com/remoteagent/gateway/internal/config"
	"github.com/remoteagent/gateway/internal/gateway/session"
)

// --- Config Command ---

var configCmdGroup = &cobra.Command{
	Use:   "config",
	Short: "Manage gateway configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if len(args) == 0 {
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		raw, _ := json.Marshal(cfg)
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("inspect config: %w", err)
		}
		value, ok := lookupDotted(generic, args[0])
		if !ok {
			return fmt.Errorf("unknown config key: %s", args[0])
		}
		data, _ := json.MarshalIndent(value, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := setDotted(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show full configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}

		fmt.Println(string(data))
		fmt.Printf("\nConfig file: %s\n", config.ConfigPath())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("config invalid: %v\n", err)
			return err
		}

		var problems []string
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			problems = append(problems, fmt.Sprintf("gateway.port out of range: %d", cfg.Gateway.Port))
		}
		if cfg.Gateway.Bind != "loopback" && cfg.Gateway.Bind != "all" {
			problems = append(problems, fmt.Sprintf("gateway.bind must be loopback or all, got %q", cfg.Gateway.Bind))
		}
		if strings.TrimSpace(cfg.Agent.Model) == "" {
			problems = append(problems, "agent.model is empty")
		}
		if len(cfg.Agent.Providers) == 0 {
			problems = append(problems, "no model providers configured")
		}

		if len(problems) == 0 {
			fmt.Println("config valid")
			return nil
		}
		fmt.Println("config problems found:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("%d config problem(s)", len(problems))
	},
}

// --- Doctor Command ---

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostics and health checks",
	Long:  "Checks config validity, configured model providers, and memory backend health.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("config:   FAIL (%v)\n", err)
			return err
		}
		fmt.Printf("config:   OK (%s)\n", config.ConfigPath())

		if strings.TrimSpace(cfg.Agent.Model) == "" {
			fmt.Println("model:    FAIL (agent.model is empty)")
		} else {
			fmt.Printf("model:    %s\n", cfg.Agent.Model)
		}

		if len(cfg.Agent.Providers) == 0 {
			fmt.Println("providers: none configured")
		} else {
			names := make([]string, 0, len(cfg.Agent.Providers))
			for name := range cfg.Agent.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Printf("providers: %s\n", strings.Join(names, ", "))
		}

		healthy := agent.MemoryHealth(cfg)
		if healthy {
			fmt.Printf("memory:   OK (%s backend at %s)\n", cfg.Memory.Backend, agent.MemoryLocation(cfg))
		} else {
			fmt.Println("memory:   FAIL (backend unreachable)")
		}

		sessions, _ := session.LoadAll()
		fmt.Printf("sessions: %d tracked\n", len(sessions))
		return nil
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show overall system status",
	Long:  "Config, gateway listen settings, and tracked session counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("config: %v\n", err)
		} else {
			fmt.Printf("config loaded from: %s\n", config.ConfigPath())
		}

		fmt.Printf("\ngateway:\n")
		fmt.Printf("  port: %d\n", cfg.Gateway.Port)
		fmt.Printf("  bind: %s\n", cfg.Gateway.Bind)
		fmt.Printf("  max connections/min: %d\n", cfg.Gateway.MaxConnPerMinute)

		fmt.Printf("\nagent:\n")
		fmt.Printf("  model: %s\n", cfg.Agent.Model)
		fmt.Printf("  workspace: %s\n", cfg.Agent.Workspace)
		fmt.Printf("  max turns: %d\n", cfg.Agent.Defaults.MaxTurns)

		sessions, _ := session.LoadAll()
		fmt.Printf("\nsessions tracked: %d\n", len(sessions))

		fmt.Printf("\nrun 'gatewayd serve' to start the gateway\n")
		return nil
	},
}

// --- Sessions Command ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect session metadata snapshots",
	Long:  "Sessions track only metadata (key, model, message/turn counts, activity time) — conversation content is never persisted.",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := session.LoadAll()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("no tracked sessions")
			return nil
		}
		fmt.Printf("%-24s %-28s %8s %8s %s\n", "KEY", "MODEL", "MESSAGES", "TURNS", "LAST ACTIVITY")
		for _, s := range sessions {
			fmt.Printf("%-24s %-28s %8d %8d %s\n", s.Key, s.Model, s.MessageCount, s.TurnCount, s.LastActivityAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show one session's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Load(args[0])
		if err != nil {
			return fmt.Errorf("session %q not found: %w", args[0], err)
		}
		data, _ := json.MarshalIndent(sess, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Delete a session's metadata snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Delete(args[0]); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Printf("deleted session %q\n", args[0])
		return nil
	},
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Zero a session's message/turn counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Load(args[0])
		if err != nil {
			return fmt.Errorf("session %q not found: %w", args[0], err)
		}
		sess.Reset()
		if err := sess.Save(); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		fmt.Printf("reset counters for session %q\n", args[0])
		return nil
	},
}

// --- Models Command ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect configured model providers and routes",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured providers, the default model, and hint routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		fmt.Printf("default model: %s\n\n", cfg.Agent.Model)

		if len(cfg.Agent.Providers) == 0 {
			fmt.Println("providers: none configured")
		} else {
			names := make([]string, 0, len(cfg.Agent.Providers))
			for name := range cfg.Agent.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println("providers:")
			for _, name := range names {
				p := cfg.Agent.Providers[name]
				configured := "no API key"
				if strings.TrimSpace(p.APIKey) != "" {
					configured = "configured"
				}
				fmt.Printf("  %-16s %s\n", name, configured)
			}
		}

		if len(cfg.ModelRoutes) > 0 {
			fmt.Println("\nhint routes:")
			for _, r := range cfg.ModelRoutes {
				fmt.Printf("  hint:%-12s -> %s/%s\n", r.Hint, r.Provider, r.Model)
			}
		}
		return nil
	},
}

var modelsSetCmd = &cobra.Command{
	Use:   "set [provider/model]",
	Short: "Set the default model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.Agent.Model = args[0]
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("default model set to %s\n", args[0])
		return nil
	},
}

// --- Memory Command ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Search and manage the agent's durable memory store",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memory for relevant entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		query := strings.Join(args, " ")
		entries, err := agent.SearchMemory(cfg, query, memorySearchLimit, memorySearchCategory)
		if err != nil {
			return fmt.Errorf("search memory: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("no matching memory entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("[%s] %s (score %.3f)\n  %s\n\n", e.Category, e.Key, e.Score, e.Content)
		}
		return nil
	},
}

var memorySearchLimit int
var memorySearchCategory string

var memoryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		count, err := agent.CountMemory(cfg)
		if err != nil {
			fmt.Printf("count: error (%v)\n", err)
		} else {
			fmt.Printf("entries: %d\n", count)
		}
		fmt.Printf("backend: %s\n", cfg.Memory.Backend)
		fmt.Printf("location: %s\n", agent.MemoryLocation(cfg))
		if agent.MemoryHealth(cfg) {
			fmt.Println("health: OK")
		} else {
			fmt.Println("health: unreachable")
		}
		return nil
	},
}

// --- Logs Command ---
// Subcommands are registered in logs_cmd.go.

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View and query gateway logs",
}

func init() {
	configCmdGroup.AddCommand(configGetCmd)
	configCmdGroup.AddCommand(configSetCmd)
	configCmdGroup.AddCommand(configShowCmd)
	configCmdGroup.AddCommand(configValidateCmd)

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsSetCmd)

	memorySearchCmd.Flags().IntVar(&memorySearchLimit, "limit", 10, "maximum number of results")
	memorySearchCmd.Flags().StringVar(&memorySearchCategory, "category", "", "restrict to a memory category")
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryStatusCmd)
}

// lookupDotted walks a JSON-decoded map by a dotted key path, e.g. "gateway.port".
func lookupDotted(m map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = m
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setDotted applies a single config override by dotted key path. It only
// supports the small set of keys a CLI user would realistically flip from
// the command line; everything else goes through config.Save/config.Load
// editing the JSON file directly.
func setDotted(cfg *config.Config, key, value string) error {
	switch key {
	case "agent.model":
		cfg.Agent.Model = value
	case "gateway.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("gateway.port must be an integer: %w", err)
		}
		cfg.Gateway.Port = n
	case "gateway.bind":
		cfg.Gateway.Bind = value
	case "gateway.maxConnPerMinute":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("gateway.maxConnPerMinute must be an integer: %w", err)
		}
		cfg.Gateway.MaxConnPerMinute = n
	case "agent.defaults.maxTurns":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("agent.defaults.maxTurns must be an integer: %w", err)
		}
		cfg.Agent.Defaults.MaxTurns = n
	case "agent.defaults.askBeforeToolExecution":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("agent.defaults.askBeforeToolExecution must be true/false: %w", err)
		}
		cfg.Agent.Defaults.AskBeforeToolExecution = b
	case "memory.backend":
		cfg.Memory.Backend = value
	default:
		return fmt.Errorf("unsupported config key for set: %s", key)
	}
	return nil
}
