package event

import (
	"fmt"
	"sort"
	"sync"
)

// ID addresses a characteristic by accessory and instance id.
type ID struct {
	AID uint64
	IID uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.AID, id.IID)
}

// SubscriptionSet maps characteristics to the sessions subscribed to them.
type SubscriptionSet struct {
	mu   sync.RWMutex
	subs map[ID]map[string]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{subs: make(map[ID]map[string]struct{})}
}

// Add subscribes session to id and reports whether it was newly added.
func (s *SubscriptionSet) Add(id ID, session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.subs[id]
	if !ok {
		m = make(map[string]struct{})
		s.subs[id] = m
	}
	if _, ok := m[session]; ok {
		return false
	}
	m[session] = struct{}{}
	return true
}

func (s *SubscriptionSet) Remove(id ID, session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.subs[id]
	if !ok {
		return
	}
	delete(m, session)
	if len(m) == 0 {
		delete(s.subs, id)
	}
}

// RemoveSession drops every subscription of session.
func (s *SubscriptionSet) RemoveSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.subs {
		delete(m, session)
		if len(m) == 0 {
			delete(s.subs, id)
		}
	}
}

func (s *SubscriptionSet) Has(id ID, session string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[id][session]
	return ok
}

// Sessions returns the sessions subscribed to id, sorted.
func (s *SubscriptionSet) Sessions(id ID) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.subs[id]))
	for session := range s.subs[id] {
		out = append(out, session)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
