// Package compaction decides when a conversation thread's context should be
// summarized by the external model, and dispatches that summarization turn.
package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/store"
)

// Strategy selects when trackAndCompactIfNeeded triggers a compaction turn.
type Strategy string

const (
	StrategyTurnInterval   Strategy = "turn-interval"
	StrategyTokenThreshold Strategy = "token-threshold"
	StrategyAuto           Strategy = "auto"
)

const (
	defaultTurnInterval      = 20
	defaultTokenCeiling      = 100_000
	defaultContextWindow     = 200_000
	defaultAutoFraction      = 0.75
	historyCap               = 200
	estimatedCharsPerToken   = 4
	compactionPromptTemplate = "Summarize the conversation so far, preserving the current task's goal, decisions made, and outstanding work. Discard resolved detail."
)

// Config tunes the compaction strategy thresholds.
type Config struct {
	Strategy      Strategy
	TurnInterval  int
	TokenCeiling  int
	ContextWindow int
	AutoFraction  float64
}

// DefaultConfig matches the distilled spec's defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyAuto,
		TurnInterval:  defaultTurnInterval,
		TokenCeiling:  defaultTokenCeiling,
		ContextWindow: defaultContextWindow,
		AutoFraction:  defaultAutoFraction,
	}
}

// threadState is one thread's running counters.
type threadState struct {
	Turns           int `json:"turns"`
	EstimatedTokens int `json:"estimated_tokens"`
}

// Event records one compaction occurrence, for the capped history.
type Event struct {
	ThreadID  string    `json:"thread_id"`
	Strategy  Strategy  `json:"strategy"`
	Turns     int       `json:"turns"`
	Tokens    int       `json:"estimated_tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager tracks per-thread context usage and dispatches compaction turns.
type Manager struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger

	mu      sync.Mutex
	threads map[string]*threadState

	history *store.Collection[int, Event]
	nextIdx int
}

// New constructs a Manager. historyFilePath may be empty for in-memory-only
// history (tests). logger may be nil.
func New(dispatcher *dispatch.Dispatcher, cfg Config, historyFilePath string, logger *logging.Logger) (*Manager, error) {
	hist := store.NewCollection[int, Event](store.CollectionConfig{FilePath: historyFilePath, Name: "compaction-history"})
	if err := hist.EnsureDir(); err != nil {
		return nil, err
	}
	if err := hist.Load(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		threads:    make(map[string]*threadState),
		history:    hist,
		nextIdx:    hist.Len(),
	}, nil
}

// TrackAndCompactIfNeeded updates threadID's per-thread counters with one
// more turn and lastPromptText's estimated token cost, then triggers a
// compaction turn if the configured strategy's threshold is crossed.
func (m *Manager) TrackAndCompactIfNeeded(ctx context.Context, threadID, lastPromptText string) (bool, error) {
	m.mu.Lock()
	state, ok := m.threads[threadID]
	if !ok {
		state = &threadState{}
		m.threads[threadID] = state
	}
	state.Turns++
	state.EstimatedTokens += estimateTokens(lastPromptText)
	turns, tokens := state.Turns, state.EstimatedTokens
	m.mu.Unlock()

	if !m.shouldCompact(turns, tokens) {
		return false, nil
	}

	if err := m.dispatcher.Dispatch(ctx, dispatch.Input{
		ThreadID: threadID,
		Prompt:   compactionPromptTemplate,
	}); err != nil {
		return false, err
	}

	m.mu.Lock()
	state.Turns = 0
	state.EstimatedTokens = 0
	m.mu.Unlock()

	m.recordEvent(Event{ThreadID: threadID, Strategy: m.cfg.Strategy, Turns: turns, Tokens: tokens, Timestamp: time.Now()})
	if m.logger != nil {
		m.logger.With("thread_id", threadID, "strategy", m.cfg.Strategy, "turns", turns, "estimated_tokens", tokens).Info("context compacted")
	}
	return true, nil
}

func (m *Manager) shouldCompact(turns, tokens int) bool {
	switch m.cfg.Strategy {
	case StrategyTurnInterval:
		interval := m.cfg.TurnInterval
		if interval <= 0 {
			interval = defaultTurnInterval
		}
		return turns >= interval
	case StrategyTokenThreshold:
		ceiling := m.cfg.TokenCeiling
		if ceiling <= 0 {
			ceiling = defaultTokenCeiling
		}
		return tokens >= ceiling
	default: // auto
		window := m.cfg.ContextWindow
		if window <= 0 {
			window = defaultContextWindow
		}
		fraction := m.cfg.AutoFraction
		if fraction <= 0 {
			fraction = defaultAutoFraction
		}
		return float64(tokens) >= fraction*float64(window)
	}
}

func (m *Manager) recordEvent(ev Event) {
	_ = m.history.Mutate(func(items map[int]Event) error {
		items[m.nextIdx] = ev
		m.nextIdx++
		if len(items) > historyCap {
			evictOldest(items, len(items)-historyCap)
		}
		return nil
	})
}

// evictOldest removes the n lowest-indexed entries from items.
func evictOldest(items map[int]Event, n int) {
	keys := make([]int, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for i := 0; i < n && i < len(keys); i++ {
		delete(items, keys[i])
	}
}

// History returns the capped compaction event history, oldest first.
func (m *Manager) History() []Event {
	snap := m.history.Snapshot()
	keys := make([]int, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	out := make([]Event, 0, len(keys))
	for _, k := range keys {
		out = append(out, snap[k])
	}
	return out
}

func estimateTokens(s string) int {
	return len(s) / estimatedCharsPerToken
}
