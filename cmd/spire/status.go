package main

import (
	"sort"
	"sync"
)

// runtimeStatus is served on /runtime/status.
type runtimeStatus struct {
	mu               sync.RWMutex
	StoreReady       bool     `json:"store_ready"`
	StoreBackend     string   `json:"store_backend"`
	ObjectStoreReady bool     `json:"object_store_ready"`
	NotifierReady    bool     `json:"notifier_ready"`
	InFlight         int      `json:"in_flight"`
	Subscribers      int      `json:"subscribers"`
	DegradedReasons  []string `json:"degraded_reasons"`
}

func newRuntimeStatus() *runtimeStatus {
	return &runtimeStatus{DegradedReasons: []string{}}
}

func (s *runtimeStatus) addReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.DegradedReasons {
		if r == reason {
			return
		}
	}
	s.DegradedReasons = append(s.DegradedReasons, reason)
	sort.Strings(s.DegradedReasons)
}

func (s *runtimeStatus) clearReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]string, 0, len(s.DegradedReasons))
	for _, r := range s.DegradedReasons {
		if r != reason {
			next = append(next, r)
		}
	}
	s.DegradedReasons = next
}

// setStore records the store state and keeps the matching reason in sync.
func (s *runtimeStatus) setStore(backend string, ready bool) {
	s.mu.Lock()
	s.StoreBackend = backend
	s.StoreReady = ready
	s.mu.Unlock()
	if ready {
		s.clearReason("store_unavailable")
	} else {
		s.addReason("store_unavailable")
	}
}

func (s *runtimeStatus) setObjectStoreReady(v bool) {
	s.mu.Lock()
	s.ObjectStoreReady = v
	s.mu.Unlock()
}

func (s *runtimeStatus) setNotifierReady(v bool) {
	s.mu.Lock()
	s.NotifierReady = v
	s.mu.Unlock()
}

func (s *runtimeStatus) setLoad(inFlight, subscribers int) {
	s.mu.Lock()
	s.InFlight = inFlight
	s.Subscribers = subscribers
	s.mu.Unlock()
}

func (s *runtimeStatus) snapshot() runtimeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runtimeStatus{
		StoreReady:       s.StoreReady,
		StoreBackend:     s.StoreBackend,
		ObjectStoreReady: s.ObjectStoreReady,
		NotifierReady:    s.NotifierReady,
		InFlight:         s.InFlight,
		Subscribers:      s.Subscribers,
		DegradedReasons:  append([]string{}, s.DegradedReasons...),
	}
}
