package memory

var WithPruneThreshold = withPruneThreshold

func (s *Store) TrackedSessions() int {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return len(s.last)
}
