package telemetry

import "time"

// SetClock pins the time source of s.
func SetClock(s *Service, now func() time.Time) {
	s.now = now
}
