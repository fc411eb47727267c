package quota

import "time"

// Config describes the remote service's credit bucket and request window.
type Config struct {
	MaxCredits   float64
	RestoreRate  float64 // credits per second
	CreditBuffer float64

	WindowRequests int
	Window         time.Duration
	WindowBuffer   int
}

func DefaultConfig() Config {
	return Config{
		MaxCredits:     1000,
		RestoreRate:    50,
		CreditBuffer:   100,
		WindowRequests: 40,
		Window:         time.Minute,
		WindowBuffer:   2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxCredits <= 0 {
		c.MaxCredits = defaults.MaxCredits
	}
	if c.RestoreRate < 0 {
		c.RestoreRate = 0
	}
	if c.CreditBuffer < 0 {
		c.CreditBuffer = 0
	}
	if c.Window <= 0 {
		c.Window = defaults.Window
	}
	if c.WindowBuffer < 0 {
		c.WindowBuffer = 0
	}
	return c
}

func (c Config) windowLimit() int {
	if c.WindowRequests <= 0 {
		return 0
	}
	limit := c.WindowRequests - c.WindowBuffer
	if limit < 1 {
		limit = 1
	}
	return limit
}
