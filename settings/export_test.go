package settings

import "time"

func (s *Synchronizer) SetClock(now func() time.Time) {
	s.now = now
}
