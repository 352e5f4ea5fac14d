package ragserve

import (
	"context"
	"time"

	"github.com/docqa/ragserve/llm"
)

// probeTimeout bounds each dependency probe so a slow backing service
// can't stall the whole /healthz response.
const probeTimeout = 5 * time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
	Name() string
}

// MultiPinger aggregates Pingers and reports combined readiness.
type MultiPinger struct {
	pingers []Pinger
}

// NewMultiPinger constructs a MultiPinger from the given Pingers.
func NewMultiPinger(pingers ...Pinger) *MultiPinger {
	return &MultiPinger{pingers: pingers}
}

// Check is one dependency's probe result.
type Check struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthReport is the body of GET /healthz.
type HealthReport struct {
	Status string  `json:"status"` // "healthy" or "degraded"
	Checks []Check `json:"checks"`
}

// Report probes every registered dependency and summarizes the result.
// Unlike an individual Pinger, Report never returns an error itself: a
// probe failure is recorded as a Check, not propagated.
func (m *MultiPinger) Report(ctx context.Context) HealthReport {
	report := HealthReport{Status: "healthy"}
	for _, p := range m.pingers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Ping(probeCtx)
		cancel()

		check := Check{Name: p.Name(), OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, check)
	}
	return report
}

// namedPinger adapts a backing service's own Ping(ctx) error method to
// the Pinger interface with a fixed label for the /healthz response.
type namedPinger struct {
	name string
	ping func(ctx context.Context) error
}

func (p namedPinger) Name() string                   { return p.name }
func (p namedPinger) Ping(ctx context.Context) error { return p.ping(ctx) }

// Health returns a MultiPinger covering C1 (Cache), C2 (Vector Index),
// C3 (Metadata Store), C5 (Embedding Service), and C6 (LLM Service), per
// §4.8's /healthz surface.
func (a *App) Health() *MultiPinger {
	return NewMultiPinger(
		namedPinger{"metadata_store", a.Store.Ping},
		namedPinger{"vector_index", a.Vectors.Ping},
		namedPinger{"cache", a.Cache.Ping},
		namedPinger{"embedding_service", func(ctx context.Context) error {
			_, err := a.Embedder.Embed(ctx, []string{"ping"})
			return err
		}},
		namedPinger{"llm_service", func(ctx context.Context) error {
			_, err := a.Chat.Chat(ctx, llm.ChatRequest{
				Model:     a.cfg.Chat.Model,
				Messages:  []llm.Message{{Role: "user", Content: "ping"}},
				MaxTokens: 1,
			})
			return err
		}},
	)
}
