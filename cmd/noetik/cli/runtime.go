package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/noetik/internal/agent"
	"github.com/felixgeelhaar/noetik/internal/config"
	"github.com/felixgeelhaar/noetik/internal/credential"
	"github.com/felixgeelhaar/noetik/internal/guard"
	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/observe"
	"github.com/felixgeelhaar/noetik/internal/planner"
	"github.com/felixgeelhaar/noetik/internal/plugin"
	"github.com/felixgeelhaar/noetik/internal/provider"
	"github.com/felixgeelhaar/noetik/internal/store"
	"github.com/felixgeelhaar/noetik/internal/tools"
	"github.com/felixgeelhaar/noetik/internal/tools/builtin"
	"github.com/felixgeelhaar/noetik/internal/ui"
)

// Runtime is the fully wired agent with everything it owns.
type Runtime struct {
	Config   *config.Config
	Observer *observe.Observer
	Store    *store.SQLiteStore
	Sessions memory.Store
	Vault    *credential.Vault
	Provider provider.Provider
	Events   *agent.EventBus
	Agent    *agent.Agent

	closers []func()
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(f globalFlags) (*config.Config, error) {
	path, err := config.FindConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f.providerType != "" {
		cfg.Planner.Provider = f.providerType
	}
	if f.modelName != "" {
		cfg.Planner.Model = f.modelName
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.jsonOutput {
		cfg.Log.Format = "json"
	}
	if f.verbose && (cfg.Log.Level == "warn" || cfg.Log.Level == "error") {
		cfg.Log.Level = "info"
	}
	return cfg, nil
}

func newObserver(cfg *config.Config, out io.Writer) *observe.Observer {
	return observe.Open(out, observe.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})
}

// openStore opens the SQLite database under the data directory.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(
		filepath.Join(dir, "noetik.db"),
		filepath.Join(dir, "artifacts"),
	)
}

func openVault(s *store.SQLiteStore) (*credential.Vault, error) {
	m, err := credential.NewManager()
	if err != nil {
		return nil, fmt.Errorf("failed to init credentials: %w", err)
	}
	return credential.NewVault(m, s), nil
}

// NewRuntime wires configuration, storage, provider, tools and the agent.
func NewRuntime(ctx context.Context, f globalFlags, logOut io.Writer, u ui.UI) (*Runtime, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	if res := cfg.Validate(); !res.Valid {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(res.Errors, "; "))
	}

	rt := &Runtime{Config: cfg, Observer: newObserver(cfg, logOut)}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	for _, w := range cfg.Validate().Warnings {
		rt.Observer.Log().Warn().Msg(w)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	rt.Store = st
	rt.closers = append(rt.closers, func() { st.Close() })

	rt.Vault, err = openVault(st)
	if err != nil {
		return nil, err
	}

	sessions, closeSessions, err := openSessions(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	rt.Sessions = sessions
	rt.closers = append(rt.closers, closeSessions)

	rt.Provider, err = newProvider(cfg, rt.Vault)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	var vm *memory.VectorMemory
	if cfg.Memory.Vector && !provider.SupportsEmbedding(rt.Provider) {
		rt.Observer.Log().Warn().Str("provider", rt.Provider.Name()).Msg("provider has no embeddings, vector memory disabled")
	} else if cfg.Memory.Vector {
		vm = memory.NewVectorMemory(rt.Provider, st)
	}

	registry, err := buildRegistry(cfg, vm, rt)
	if err != nil {
		return nil, err
	}

	rt.Events = agent.NewEventBus()
	opts := []agent.Option{
		agent.WithTraceSink(st),
		agent.WithEventBus(rt.Events),
		agent.WithObserver(rt.Observer),
		agent.WithUI(u),
	}
	if vm != nil {
		opts = append(opts, agent.WithVectorMemory(vm))
	}

	rt.Agent = agent.New(newPlanner(cfg, rt.Provider), tools.NewExecutor(registry), rt.Sessions, cfg.Agent, opts...)
	rt.Observer.Log().Info().
		Str("provider", rt.Provider.Name()).
		Str("backend", cfg.Memory.Backend).
		Int("tools", registry.Len()).
		Msg("noetik initialized")

	ok = true
	return rt, nil
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// openSessions picks the transcript backend. The returned func releases it.
func openSessions(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) (memory.Store, func(), error) {
	switch cfg.Memory.Backend {
	case "redis":
		rs, err := memory.NewRedisStore(ctx, cfg.Memory.RedisAddr, cfg.Memory.RedisPassword, cfg.Memory.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closeFn := func() { rs.Close() }
		if cfg.Memory.RedisPrefix != "" {
			rs = rs.WithPrefix(cfg.Memory.RedisPrefix)
		}
		return rs, closeFn, nil
	case "memory":
		return memory.NewInMemoryStore(), func() {}, nil
	default:
		return st, func() {}, nil
	}
}

// openTranscripts opens only what the session commands need.
func openTranscripts(ctx context.Context, f globalFlags) (memory.Store, func(), error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init store: %w", err)
	}
	sessions, closeSessions, err := openSessions(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return sessions, func() {
		closeSessions()
		st.Close()
	}, nil
}

// secret looks up a credential in the vault, then in the environment.
func secret(v *credential.Vault, key, env string) string {
	if val, err := v.Get(key); err == nil && val != "" {
		return val
	}
	return os.Getenv(env)
}

func newProvider(cfg *config.Config, v *credential.Vault) (provider.Provider, error) {
	model := cfg.Planner.Model
	switch cfg.Planner.Provider {
	case "openai":
		baseURL := cfg.Planner.BaseURL
		if baseURL == "" {
			baseURL, _ = v.Get("openai_base_url")
		}
		p, err := provider.NewOpenAIProvider(secret(v, "openai_api_key", "OPENAI_API_KEY"), baseURL, model)
		if err != nil {
			return nil, err
		}
		p.SetEmbedModel(cfg.Planner.EmbedModel)
		return p, nil
	case "ollama":
		if cfg.Planner.BaseURL != "" {
			os.Setenv("OLLAMA_HOST", cfg.Planner.BaseURL)
		}
		p, err := provider.NewOllamaProvider(model)
		if err != nil {
			return nil, err
		}
		p.SetEmbedModel(cfg.Planner.EmbedModel)
		return p, nil
	case "gemini":
		return provider.NewGeminiProvider(secret(v, "gemini_api_key", "GEMINI_API_KEY"), model)
	case "anthropic":
		p, err := provider.NewAnthropicProvider(secret(v, "anthropic_api_key", "ANTHROPIC_API_KEY"), model)
		if err != nil {
			return nil, err
		}
		if cfg.Planner.BaseURL != "" {
			p.SetBaseURL(cfg.Planner.BaseURL)
		}
		return p, nil
	case "cli":
		return detectCLIProvider(v)
	case "stub":
		return provider.NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Planner.Provider)
	}
}

func detectCLIProvider(v *credential.Vault) (provider.Provider, error) {
	if cliPath, _ := v.Get("cli_path"); cliPath != "" {
		return provider.NewCLIProvider(cliPath, []string{})
	}
	for _, name := range []string{"claude", "codex", "gemini", "llm"} {
		if path, err := exec.LookPath(name); err == nil {
			return provider.NewCLIProvider(path, []string{})
		}
	}
	return nil, fmt.Errorf("no local CLI agents detected (tried claude, codex, gemini, llm)")
}

func newPlanner(cfg *config.Config, p provider.Provider) planner.Planner {
	native := cfg.Planner.NativeTools
	switch cfg.Planner.Provider {
	case "cli", "stub":
		native = false
	}
	opts := []planner.Option{
		planner.WithNativeTools(native),
		planner.WithRateLimit(cfg.Planner.RateLimit, cfg.Planner.Burst),
	}
	if cfg.Planner.SystemPrompt != "" {
		opts = append(opts, planner.WithSystemPrompt(cfg.Planner.SystemPrompt))
	}
	return planner.NewProviderPlanner(p, opts...)
}

// buildRegistry registers built-in and plugin tools and seals the registry.
func buildRegistry(cfg *config.Config, vm *memory.VectorMemory, rt *Runtime) (*tools.Registry, error) {
	workDir := cfg.Tools.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	deps := builtin.Deps{
		Guard:   guard.New(cfg.Tools.Policy),
		WorkDir: workDir,
	}
	if vm != nil {
		deps.Memory = vm
	}

	r := tools.NewRegistry()
	if err := builtin.Register(r, deps); err != nil {
		return nil, err
	}

	logger := plugin.NewLogger(cfg.Log.Level == "debug")
	for _, path := range cfg.Tools.Plugins {
		host, err := plugin.Launch(path, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, host.Close)
		specs, err := host.Specs()
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			if err := r.Register(s); err != nil {
				return nil, fmt.Errorf("plugin %s: %w", path, err)
			}
		}
		rt.Observer.Log().Info().Str("plugin", path).Int("tools", len(specs)).Msg("loaded tool plugin")
	}

	r.Seal()
	return r, nil
}
