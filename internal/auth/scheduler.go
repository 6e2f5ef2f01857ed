package auth

import (
	"context"
)

// StartScheduler checks the token immediately and then every
// SchedulerInterval until ctx ends or StopScheduler is called. Starting a
// running scheduler only logs a warning.
func (s *Session) StartScheduler(ctx context.Context) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if s.schedCancel != nil {
		s.log.Warn("token refresh scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.schedCancel = cancel
	s.schedDone = done

	s.log.Info("starting token refresh scheduler", "interval", s.interval)
	go s.runScheduler(ctx, done)
}

// StopScheduler stops the background check and waits for it to exit.
// Stopping a stopped scheduler does nothing.
func (s *Session) StopScheduler() {
	s.schedMu.Lock()
	cancel, done := s.schedCancel, s.schedDone
	s.schedCancel, s.schedDone = nil, nil
	s.schedMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("stopped token refresh scheduler")
}

// SchedulerRunning reports whether the background check is active.
func (s *Session) SchedulerRunning() bool {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.schedCancel != nil
}

func (s *Session) runScheduler(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.checkAndRefresh(ctx)

	ticker := s.newTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.checkAndRefresh(ctx)
		}
	}
}

// checkAndRefresh renews a token that is close to or past expiry. A failed
// renewal of an already expired token ends the session; otherwise the
// failure is only logged and the next tick tries again.
func (s *Session) checkAndRefresh(ctx context.Context) {
	rec, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("scheduler: load tokens", "error", err)
		return
	}
	if rec == nil || !rec.HasRefreshToken() {
		return
	}

	left := rec.Remaining(s.now())
	switch {
	case left <= 0:
		s.log.Info("scheduler: token expired, refreshing")
		fresh, err := s.refresh(ctx, TriggerScheduled)
		if err != nil {
			s.invalidate(ctx, "expired token could not be refreshed: "+err.Error())
			return
		}
		s.notify(fresh.AccessToken)
	case left < RefreshThreshold:
		s.log.Info("scheduler: token expiring soon, refreshing", "remaining", left)
		fresh, err := s.refresh(ctx, TriggerScheduled)
		if err != nil {
			return
		}
		s.notify(fresh.AccessToken)
	}
}
