// Command itinerad wires the pipeline orchestrator, document store, and
// connection manager into a minimal standalone process for local
// development and integration testing. Agent credentials come from the
// environment (OPENAI_API_KEY, ANTHROPIC_API_KEY); without the Anthropic
// key the orchestrator is not constructed. The process exposes no network
// endpoint and starts no generation: it builds the components and blocks
// until a shutdown signal.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripsmith/itinera/agent"
	"github.com/tripsmith/itinera/bus"
	"github.com/tripsmith/itinera/config"
	"github.com/tripsmith/itinera/docstore"
	"github.com/tripsmith/itinera/orchestrator"
	"github.com/tripsmith/itinera/providers/anthropicagent"
	"github.com/tripsmith/itinera/providers/openaiagent"
	"github.com/tripsmith/itinera/publisher"
	"github.com/tripsmith/itinera/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("ITINERA_CONFIG")
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			log.Fatalf("itinerad: load config: %v", err)
		}
		cfg = loaded
	}

	tel := telemetry.Set{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}
	store := docstore.NewMemory()
	b := bus.New(bus.Options{TailLength: cfg.TailLength, SendBuffer: cfg.SubscriberSendBuffer, SendTimeout: cfg.SubscriberSendTimeout, Telemetry: tel})
	pub := publisher.New(b)

	agents, err := wireAgents()
	if err != nil {
		log.Printf("itinerad: agents not wired, generations disabled: %v", err)
	} else {
		if _, err := orchestrator.New(orchestrator.Options{
			Store:     store,
			Bus:       pub,
			Agents:    agents,
			Config:    cfg,
			Telemetry: tel,
		}); err != nil {
			log.Fatalf("itinerad: construct orchestrator: %v", err)
		}
		log.Println("itinerad: orchestrator ready")
	}

	log.Println("itinerad: listening for shutdown signal")
	<-ctx.Done()
	log.Println("itinerad: shutting down")
	b.Shutdown()
}

// wireAgents builds the provider-backed agents from environment
// credentials. The cost estimator (Bedrock) needs an AWS client the
// operator supplies; it is left unwired here, which skips the cost phase.
func wireAgents() (orchestrator.Agents, error) {
	openaiModel := envOr("ITINERA_OPENAI_MODEL", "gpt-4o")
	anthropicModel := envOr("ITINERA_ANTHROPIC_MODEL", "claude-sonnet-4-20250514")

	skeleton, err := openaiagent.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), openaiModel)
	if err != nil {
		return orchestrator.Agents{}, err
	}
	enrichment, err := openaiagent.NewEnrichmentFromAPIKey(os.Getenv("OPENAI_API_KEY"), openaiModel)
	if err != nil {
		return orchestrator.Agents{}, err
	}

	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	var population [4]agent.Agent
	for i, role := range []anthropicagent.Role{
		anthropicagent.RoleDayPlanner,
		anthropicagent.RoleActivity,
		anthropicagent.RoleMeal,
		anthropicagent.RoleTransport,
	} {
		ag, err := anthropicagent.NewFromAPIKey(anthropicKey, anthropicModel, role)
		if err != nil {
			return orchestrator.Agents{}, err
		}
		// Shared upstream budget: a generation's per-day fan-out must not
		// exhaust the provider's requests-per-second allowance.
		population[i] = agent.NewRateLimited(ag, 4, 8)
	}

	return orchestrator.Agents{
		Skeleton:   skeleton,
		DayPlanner: population[0],
		Activity:   population[1],
		Meal:       population[2],
		Transport:  population[3],
		Enrichment: agent.NewRateLimited(enrichment, 4, 8),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
