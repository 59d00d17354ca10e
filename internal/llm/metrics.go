package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/edubuddy/internal/metrics"
	"github.com/rs/zerolog"
)

// MetricsProvider wraps a provider with call counting, latency tracking and
// Prometheus export.
type MetricsProvider struct {
	provider Provider
	name     string
	log      zerolog.Logger

	totalCalls        atomic.Int64
	totalErrors       atomic.Int64
	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64

	mu           sync.RWMutex
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	modelStats   map[string]*ModelMetrics
}

// ModelMetrics tracks per-model performance.
type ModelMetrics struct {
	Calls        int64
	Errors       int64
	TotalLatency time.Duration
	InputTokens  int64
	OutputTokens int64
}

// ProviderStats is a snapshot of a MetricsProvider.
type ProviderStats struct {
	Provider     string
	TotalCalls   int64
	TotalErrors  int64
	InputTokens  int64
	OutputTokens int64
	AvgLatency   time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	Models       map[string]ModelMetrics
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider, log zerolog.Logger) *MetricsProvider {
	return &MetricsProvider{
		provider:   provider,
		name:       provider.Name(),
		log:        log,
		modelStats: make(map[string]*ModelMetrics),
	}
}

// Chat implements Provider.
func (m *MetricsProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := m.provider.Chat(ctx, req)
	latency := time.Since(start)

	model := req.Model
	if model == "" && resp != nil {
		model = resp.Model
	}

	metrics.ObserveLLMCall(m.name, model, latency, err)

	m.totalCalls.Add(1)
	if err != nil {
		m.totalErrors.Add(1)
	}

	m.mu.Lock()
	m.totalLatency += latency
	if m.minLatency == 0 || latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	stats, ok := m.modelStats[model]
	if !ok {
		stats = &ModelMetrics{}
		m.modelStats[model] = stats
	}
	stats.Calls++
	stats.TotalLatency += latency
	if err != nil {
		stats.Errors++
	}
	if resp != nil {
		stats.InputTokens += int64(resp.PromptTokens)
		stats.OutputTokens += int64(resp.CompletionTokens)
	}
	m.mu.Unlock()

	if resp != nil {
		m.totalInputTokens.Add(int64(resp.PromptTokens))
		m.totalOutputTokens.Add(int64(resp.CompletionTokens))
	}

	if err != nil {
		m.log.Warn().Err(err).Str("provider", m.name).Str("model", model).Dur("latency", latency).Msg("llm call failed")
	} else {
		m.log.Debug().Str("provider", m.name).Str("model", model).Dur("latency", latency).
			Int("completion_tokens", resp.CompletionTokens).Msg("llm call completed")
	}
	return resp, err
}

// Name implements Provider.
func (m *MetricsProvider) Name() string {
	return m.name
}

// Available implements Provider.
func (m *MetricsProvider) Available(ctx context.Context) bool {
	return m.provider.Available(ctx)
}

// Stats returns a snapshot of the collected metrics.
func (m *MetricsProvider) Stats() ProviderStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := m.totalCalls.Load()
	s := ProviderStats{
		Provider:     m.name,
		TotalCalls:   calls,
		TotalErrors:  m.totalErrors.Load(),
		InputTokens:  m.totalInputTokens.Load(),
		OutputTokens: m.totalOutputTokens.Load(),
		MinLatency:   m.minLatency,
		MaxLatency:   m.maxLatency,
		Models:       make(map[string]ModelMetrics, len(m.modelStats)),
	}
	if calls > 0 {
		s.AvgLatency = m.totalLatency / time.Duration(calls)
	}
	for k, v := range m.modelStats {
		s.Models[k] = *v
	}
	return s
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}
