package account

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

// Strategy names the fallback selection policy applied after the priority
// list.
type Strategy string

const (
	StrategyLowestBalance Strategy = "lowest_balance"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyLeastRequests Strategy = "least_requests"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLowestBalance, StrategyRoundRobin, StrategyLeastRequests:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy: %s", s)
}

// Selector picks the account for a request: the priority list is walked
// first, then the configured strategy runs over the available accounts.
// The priority list and strategy persist to priority.json.
type Selector struct {
	mu       sync.Mutex
	cache    *quota.Cache
	path     string
	priority []string
	strategy Strategy
	rrIndex  int
	logger   zerolog.Logger
}

type priorityFile struct {
	Version          string   `json:"version"`
	PriorityAccounts []string `json:"priority_accounts"`
	Strategy         string   `json:"strategy"`
}

// NewSelector builds a selector and loads priority.json when present.
func NewSelector(cache *quota.Cache, path string, logger zerolog.Logger) *Selector {
	s := &Selector{
		cache:    cache,
		path:     path,
		strategy: StrategyLowestBalance,
		logger:   logger.With().Str("component", "selector").Logger(),
	}
	s.load()
	return s
}

// Select returns the account to use, or nil when none is available.
func (s *Selector) Select(accounts []*Account, available func(*Account) bool) *Account {
	if len(accounts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, priorityID := range s.priority {
		for _, a := range accounts {
			if a.ID == priorityID && available(a) {
				return a
			}
		}
	}

	avail := make([]*Account, 0, len(accounts))
	for _, a := range accounts {
		if available(a) {
			avail = append(avail, a)
		}
	}
	if len(avail) == 0 {
		return nil
	}

	switch s.strategy {
	case StrategyRoundRobin:
		s.rrIndex = s.rrIndex % len(avail)
		a := avail[s.rrIndex]
		s.rrIndex++
		return a
	case StrategyLeastRequests:
		best := avail[0]
		for _, a := range avail[1:] {
			if a.Requests() < best.Requests() {
				best = a
			}
		}
		return best
	default:
		return s.selectLowestBalance(avail)
	}
}

// selectLowestBalance picks the smallest cached balance; accounts without a
// usable snapshot sort last, ties break on fewer requests.
func (s *Selector) selectLowestBalance(avail []*Account) *Account {
	balance := func(a *Account) float64 {
		snap, ok := s.cache.Get(a.ID)
		if !ok || snap.HasError() {
			return math.Inf(1)
		}
		return snap.Balance
	}

	best := avail[0]
	bestBalance := balance(best)
	for _, a := range avail[1:] {
		b := balance(a)
		if b < bestBalance || (b == bestBalance && a.Requests() < best.Requests()) {
			best = a
			bestBalance = b
		}
	}
	return best
}

// CurrentStrategy returns the active strategy.
func (s *Selector) CurrentStrategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SetStrategy switches the strategy and persists it.
func (s *Selector) SetStrategy(strategy Strategy) error {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return err
	}
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
	return s.save()
}

// SetPriority replaces the priority list. Every id must appear in known.
func (s *Selector) SetPriority(ids []string, known map[string]bool) error {
	var invalid []string
	for _, id := range ids {
		if !known[id] {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("unknown accounts: %s", strings.Join(invalid, ", "))
	}

	s.mu.Lock()
	s.priority = append([]string(nil), ids...)
	s.mu.Unlock()
	return s.save()
}

// AddPriority inserts an id at position (out-of-range appends).
func (s *Selector) AddPriority(id string, position int, known map[string]bool) error {
	if !known[id] {
		return fmt.Errorf("unknown account: %s", id)
	}

	s.mu.Lock()
	for _, existing := range s.priority {
		if existing == id {
			s.mu.Unlock()
			return fmt.Errorf("account %s is already a priority account", id)
		}
	}
	if position < 0 || position >= len(s.priority) {
		s.priority = append(s.priority, id)
	} else {
		s.priority = append(s.priority[:position], append([]string{id}, s.priority[position:]...)...)
	}
	s.mu.Unlock()
	return s.save()
}

// RemovePriority drops an id from the list.
func (s *Selector) RemovePriority(id string) error {
	s.mu.Lock()
	idx := -1
	for i, existing := range s.priority {
		if existing == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("account %s is not a priority account", id)
	}
	s.priority = append(s.priority[:idx], s.priority[idx+1:]...)
	s.mu.Unlock()
	return s.save()
}

// Reorder replaces the list with a permutation of itself.
func (s *Selector) Reorder(ids []string) error {
	s.mu.Lock()
	current := make(map[string]bool, len(s.priority))
	for _, id := range s.priority {
		current[id] = true
	}
	incoming := make(map[string]bool, len(ids))
	for _, id := range ids {
		incoming[id] = true
	}
	var missing, extra []string
	for id := range current {
		if !incoming[id] {
			missing = append(missing, id)
		}
	}
	for id := range incoming {
		if !current[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		s.mu.Unlock()
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, fmt.Sprintf("missing accounts: %s", strings.Join(missing, ", ")))
		}
		if len(extra) > 0 {
			parts = append(parts, fmt.Sprintf("unexpected accounts: %s", strings.Join(extra, ", ")))
		}
		return fmt.Errorf("%s", strings.Join(parts, "; "))
	}
	s.priority = append([]string(nil), ids...)
	s.mu.Unlock()
	return s.save()
}

// Priority returns a copy of the priority list.
func (s *Selector) Priority() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.priority...)
}

// PriorityOrder returns the 1-based position of id, zero when not listed.
func (s *Selector) PriorityOrder(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.priority {
		if existing == id {
			return i + 1
		}
	}
	return 0
}

func (s *Selector) load() {
	if s.path == "" || !util.FileExists(s.path) {
		return
	}
	var file priorityFile
	if err := util.ReadJSON(s.path, &file); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load priority config")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = file.PriorityAccounts
	if strategy, err := ParseStrategy(file.Strategy); err == nil {
		s.strategy = strategy
	} else {
		s.strategy = StrategyLowestBalance
	}
	s.logger.Info().Int("priority_accounts", len(s.priority)).Msg("priority config loaded")
}

func (s *Selector) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	file := priorityFile{
		Version:          "1.0",
		PriorityAccounts: append([]string(nil), s.priority...),
		Strategy:         string(s.strategy),
	}
	s.mu.Unlock()
	if file.PriorityAccounts == nil {
		file.PriorityAccounts = []string{}
	}
	if err := util.WriteJSONAtomic(s.path, &file); err != nil {
		s.logger.Error().Err(err).Msg("failed to save priority config")
		return err
	}
	return nil
}
