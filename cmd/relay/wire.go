package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nous-labs/relay/internal/embeddings"
	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/gateway"
	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/modelrouter"
	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/events"
)

// core is what both roles run: persistence, routing and the engines.
type core struct {
	store     store.Store
	bus       *events.Bus
	budget    *engine.Budget
	router    *modelrouter.Router
	direct    *engine.Direct
	runtime   engine.Engine
	runtimeUp func(ctx context.Context) bool
}

func loadConfig(role string) (*gateway.Config, error) {
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(role); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

func buildCore(ctx context.Context, cfg *gateway.Config, role string) (*core, error) {
	c := &core{bus: events.NewBus(200)}

	var opts []store.Option
	if cfg.Embeddings.TEIURL != "" {
		tei := embeddings.NewTEIClient(cfg.Embeddings.TEIURL, cfg.Embeddings.Dimensions, cfg.EmbeddingTimeout())
		if err := tei.Health(ctx); err != nil {
			logger.Warn("embeddings service not healthy, recall falls back to keywords until it is", "url", cfg.Embeddings.TEIURL, "error", err)
		}
		opts = append(opts, store.WithEmbedder(tei))
	}
	st, err := store.Open(ctx, cfg.Store.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, ok := st.(store.Unconfigured); ok {
		logger.Warn("no store configured, running without persistence")
	}
	c.store = st

	c.router, err = modelrouter.New(cfg.ModelRouterConfig())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("model router: %w", err)
	}
	c.budget = engine.NewBudget(cfg.Engine.DailyBudget, engine.WithLocation(cfg.Location()))

	registry := tools.NewRegistry(cfg.ToolTimeout(), logger)
	registry.Register(tools.MemoryTools(st)...)
	if cfg.Tools.WebFetch {
		registry.Register(tools.WebFetch())
	}
	if role == gateway.RoleLocal && len(cfg.Tools.Commands) > 0 {
		registry.Register(tools.RunCommand(cfg.Tools.Commands, cfg.Tools.CommandDir, cfg.CommandTimeout()))
	}

	runCfg := cfg.EngineRunConfig()
	c.direct = engine.NewDirect(buildLLM(cfg), registry, c.budget, runCfg, logger.With("engine", engine.NameDirect))

	if cfg.Runtime.URL != "" {
		oc := tools.NewOpenCode(cfg.Runtime.URL, cfg.Runtime.Username, cfg.Runtime.Password, cfg.RuntimeTimeout())
		c.runtime = engine.NewRuntime(oc, runCfg, logger.With("engine", engine.NameRuntime))
		c.runtimeUp = oc.IsAvailable
	}
	return c, nil
}

// buildLLM binds every tier to the default Anthropic provider, then applies
// per-tier overrides.
func buildLLM(cfg *gateway.Config) *llm.Router {
	providers := make(map[llm.Tier]llm.Provider, len(llm.Tiers))
	if cfg.LLM.APIKey != "" {
		var def *llm.AnthropicProvider
		if cfg.LLM.BaseURL != "" {
			def = llm.NewAnthropicCompat("anthropic", cfg.LLM.BaseURL, cfg.LLM.APIKey, "")
		} else {
			def = llm.NewAnthropic(cfg.LLM.APIKey, "")
		}
		def = def.WithTimeout(cfg.LLMTimeout())
		for _, t := range llm.Tiers {
			providers[t] = def
		}
	}
	for name, p := range cfg.LLM.Tiers {
		providers[llm.Tier(name)] = llm.NewAnthropicCompat(p.Provider, p.BaseURL, p.APIKey, "").WithTimeout(cfg.LLMTimeout())
		logger.Info("tier provider override", "tier", name, "provider", p.Provider)
	}
	return llm.NewRouter(providers)
}

func (c *core) close(log *slog.Logger) {
	if err := c.store.Close(); err != nil {
		log.Warn("close store", "error", err)
	}
}
