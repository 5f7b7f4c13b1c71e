package detection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStateNotFound is returned by a StateBackend that holds no state for a chain.
var ErrStateNotFound = errors.New("chain state not found")

// ChainState is the correlation state of one chain.
type ChainState struct {
	ChainID              string    `json:"chain_id"`
	EventsSeen           int       `json:"events_seen"`
	CumulativeConfidence float64   `json:"cumulative_confidence"`
	AlertHistory         []string  `json:"alert_history"`
	ToolIDs              []string  `json:"tool_ids"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
}

// clone returns a deep copy.
func (s *ChainState) clone() *ChainState {
	out := *s
	out.AlertHistory = append([]string(nil), s.AlertHistory...)
	out.ToolIDs = append([]string(nil), s.ToolIDs...)
	return &out
}

// apply folds one verdict into the state. Alert and tool histories keep
// their most recent maxAlerts and maxTools entries; zero means unbounded.
func (s *ChainState) apply(toolID string, v Verdict, at time.Time, maxAlerts, maxTools int) {
	s.EventsSeen++
	s.CumulativeConfidence = 1 - (1-s.CumulativeConfidence)*(1-v.Confidence)
	s.AlertHistory = append(s.AlertHistory, v.Alerts...)
	if maxAlerts > 0 && len(s.AlertHistory) > maxAlerts {
		s.AlertHistory = s.AlertHistory[len(s.AlertHistory)-maxAlerts:]
	}
	s.ToolIDs = append(s.ToolIDs, toolID)
	if maxTools > 0 && len(s.ToolIDs) > maxTools {
		s.ToolIDs = s.ToolIDs[len(s.ToolIDs)-maxTools:]
	}
	if s.FirstSeen.IsZero() {
		s.FirstSeen = at
	}
	s.LastSeen = at
}

// StateBackend persists chain state beyond the in-memory cache.
type StateBackend interface {
	LoadChain(ctx context.Context, chainID string) (*ChainState, error)
	SaveChain(ctx context.Context, state *ChainState) error
}

// chainEntry serializes all work on one chain.
type chainEntry struct {
	mu       sync.Mutex
	restored bool
	state    *ChainState
}
