package monitor

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// MonitorState is the set of outpoints whose spend the monitor reports on.
// It is rebuilt from the store on start and on every resync.
type MonitorState struct {
	mu        sync.RWMutex
	outpoints map[string]struct{}
}

func NewMonitorState() *MonitorState {
	return &MonitorState{outpoints: make(map[string]struct{})}
}

// Watch registers outpoints. Registering an outpoint twice is a no-op.
func (s *MonitorState) Watch(outpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range outpoints {
		s.outpoints[op] = struct{}{}
	}
}

// Unwatch stops tracking outpoints.
func (s *MonitorState) Unwatch(outpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range outpoints {
		delete(s.outpoints, op)
	}
}

func (s *MonitorState) Contains(outpoint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.outpoints[outpoint]
	return ok
}

func (s *MonitorState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outpoints)
}

// Replace swaps the whole set for outpoints.
func (s *MonitorState) Replace(outpoints []string) {
	next := make(map[string]struct{}, len(outpoints))
	for _, op := range outpoints {
		next[op] = struct{}{}
	}
	s.mu.Lock()
	s.outpoints = next
	s.mu.Unlock()
}

// Snapshot returns the watched outpoints in sorted order.
func (s *MonitorState) Snapshot() []string {
	s.mu.RLock()
	outpoints := make([]string, 0, len(s.outpoints))
	for op := range s.outpoints {
		outpoints = append(outpoints, op)
	}
	s.mu.RUnlock()
	sort.Strings(outpoints)
	return outpoints
}

// Spent returns the watched outpoints consumed by tx, in input order.
func (s *MonitorState) Spent(tx *wire.MsgTx) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.outpoints) == 0 {
		return nil
	}
	var spent []string
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint.String()
		if _, ok := s.outpoints[op]; ok {
			spent = append(spent, op)
		}
	}
	return spent
}
