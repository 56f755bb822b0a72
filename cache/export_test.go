package cache

import "time"

// SetClock replaces the time source.
func (c *FileCache) SetClock(now func() time.Time) {
	c.now = now
}
