package scheduler

// Snapshot returns the loop state for the status endpoint.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	if s.snap.Last != nil {
		last := *s.snap.Last
		out.Last = &last
	}
	out.Subjects = len(s.cfg.Subjects)
	out.Threshold = s.cfg.ThresholdDays
	return out
}
