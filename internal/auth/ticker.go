package auth

import "time"

// ticker lets tests drive the scheduler without waiting.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func (s *Session) newTicker(d time.Duration) ticker {
	if s.tickerFactory != nil {
		return s.tickerFactory(d)
	}
	return realTicker{time.NewTicker(d)}
}
