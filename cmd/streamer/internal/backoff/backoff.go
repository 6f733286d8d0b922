package backoff

import "time"

const (
	DefaultBase = 1000 * time.Millisecond
	DefaultMax  = 30000 * time.Millisecond
)

// Policy computes reconnect delays from the number of consecutive failures.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default is 1s doubling up to 30s.
var Default = Policy{Base: DefaultBase, Max: DefaultMax}

// Next returns min(Base * 2^failures, Max).
func (p Policy) Next(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := p.Base
	for i := 0; i < failures; i++ {
		// stop doubling once the ceiling is reached; also guards overflow
		if d >= p.Max || d > (1<<62)/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
