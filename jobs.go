package piecesync

import (
	"time"
)

func (s *PieceSync) runJobs() {
	s.scheduler.Every(1).Seconds().SingletonMode().Do(s.job(s.drainListeners))
	s.scheduler.Every(15).Seconds().SingletonMode().Do(s.job(s.reconcile))
	s.scheduler.Every(10).Minutes().SingletonMode().Do(s.job(s.expireVouchers))
	s.scheduler.Every(30).Seconds().SingletonMode().Do(s.job(s.connectListeners))

	s.scheduler.StartAsync()
}

// job wraps fn so that Close waits for a running fn and later runs are skipped.
func (s *PieceSync) job(fn func()) func() {
	return func() {
		s.jobLock.RLock()
		defer s.jobLock.RUnlock()
		if s.closed {
			return
		}
		fn()
	}
}

func (s *PieceSync) drainListeners() {
	now := time.Now()
	for _, l := range s.Listeners() {
		l.Drain(s.ctx, now)
	}
}

func (s *PieceSync) reconcile() {
	if n := s.reconciler.Sweep(s.ctx); n > 0 {
		log.Debug("reconcile sweep", "claimed", n)
	}
}

func (s *PieceSync) expireVouchers() {
	n, err := s.vouchers.ExpireVouchers(time.Now())
	if err != nil {
		log.Error("s.vouchers.ExpireVouchers(now)", "err", err)
		return
	}
	if n > 0 {
		log.Info("vouchers expired", "count", n)
	}
}

// connectListeners starts listeners that are not listening yet, including
// networks added to the config since the last run.
func (s *PieceSync) connectListeners() {
	s.syncListeners()
	for _, l := range s.Listeners() {
		switch l.State() {
		case Listening:
			continue
		case Connected:
			if err := l.Listen(s.ctx); err != nil {
				l.log.Error("l.Listen(ctx)", "err", err)
			}
		default:
			if err := l.Start(s.ctx); err != nil {
				l.log.Warn("l.Start(ctx)", "err", err)
			}
		}
	}
}
