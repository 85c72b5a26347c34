package billing

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Scheduler registers the periodic triggers for the configured operating
// mode and invokes the orchestrator under the lock manager.
type Scheduler struct {
	orch *Orchestrator
	repo Repository
	cfg  Config

	lostUserTicker    *time.Ticker
	fullSyncTicker    *time.Ticker
	conditionalTicker *time.Ticker
	stopCh            chan struct{}
	wg                sync.WaitGroup
	mu                sync.Mutex
	running           bool
	mode              Mode
}

func NewScheduler(orch *Orchestrator, repo Repository, cfg Config) *Scheduler {
	return &Scheduler{
		orch: orch,
		repo: repo,
		cfg:  cfg,
		mode: cfg.Mode,
	}
}

// Start registers the triggers for the configured mode.
func (s *Scheduler) Start() {
	s.StartMode(s.cfg.Mode)
}

// StartMode registers the periodic triggers for the given mode:
// emergency runs lost-user recovery only; aggressive adds an unconditional
// full sync; normal adds a conditional full sync gated by a cheap existence
// check.
func (s *Scheduler) StartMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.stopCh = make(chan struct{})
	s.running = true
	s.mode = mode
	log.Infof("[Scheduler] Starting (mode=%s)", mode)

	// Lost-user recovery runs in every mode.
	s.lostUserTicker = time.NewTicker(s.cfg.LostUserInterval)
	s.wg.Add(1)
	go s.lostUserWorker()

	switch mode {
	case ModeAggressive:
		s.fullSyncTicker = time.NewTicker(s.cfg.FullSyncInterval)
		s.wg.Add(1)
		go s.fullSyncWorker()
	case ModeNormal:
		s.conditionalTicker = time.NewTicker(s.cfg.ConditionalSyncInterval)
		s.wg.Add(1)
		go s.conditionalWorker()
	}

	log.Info("[Scheduler] Started successfully")
}

// Stop cancels the triggers and waits for in-flight workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	log.Info("[Scheduler] Stopping...")
	if s.lostUserTicker != nil {
		s.lostUserTicker.Stop()
	}
	if s.fullSyncTicker != nil {
		s.fullSyncTicker.Stop()
	}
	if s.conditionalTicker != nil {
		s.conditionalTicker.Stop()
	}

	close(s.stopCh)
	s.running = false
	s.wg.Wait()
	log.Info("[Scheduler] Stopped")
}

// IsRunning reports whether the scheduler has active triggers.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Mode returns the active operating mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Scheduler) lostUserWorker() {
	defer s.wg.Done()
	log.Infof("[Scheduler] Lost-user trigger registered (interval=%s)", s.cfg.LostUserInterval)
	for {
		select {
		case <-s.stopCh:
			log.Info("[Scheduler] Lost-user worker stopping")
			return
		case <-s.lostUserTicker.C:
			s.trigger(ModeEmergency)
		}
	}
}

func (s *Scheduler) fullSyncWorker() {
	defer s.wg.Done()
	log.Infof("[Scheduler] Full-sync trigger registered (interval=%s)", s.cfg.FullSyncInterval)
	for {
		select {
		case <-s.stopCh:
			log.Info("[Scheduler] Full-sync worker stopping")
			return
		case <-s.fullSyncTicker.C:
			s.trigger(ModeAggressive)
		}
	}
}

func (s *Scheduler) conditionalWorker() {
	defer s.wg.Done()
	log.Infof("[Scheduler] Conditional-sync trigger registered (interval=%s)", s.cfg.ConditionalSyncInterval)
	for {
		select {
		case <-s.stopCh:
			log.Info("[Scheduler] Conditional-sync worker stopping")
			return
		case <-s.conditionalTicker.C:
			needed, err := s.repo.HasReconcileWork(time.Now())
			if err != nil {
				log.Errorf("[Scheduler] Reconcile-work check failed: %v", err)
				continue
			}
			if !needed {
				log.Debug("[Scheduler] No reconcile work pending, skipping full sync")
				continue
			}
			s.trigger(ModeNormal)
		}
	}
}

// trigger runs one pass. A failed invocation is logged and never deregisters
// the trigger; the next firing proceeds normally.
func (s *Scheduler) trigger(mode Mode) {
	if s.orch.IsRunning() {
		log.Infof("[Scheduler] Run already active, skipping trigger (mode=%s)", mode)
		return
	}
	if err := s.orch.Run(context.Background(), mode); err != nil {
		log.Errorf("[Scheduler] Triggered run failed (mode=%s): %v", mode, err)
	}
}

// TriggerNow forces a run outside the schedule (admin surface).
func (s *Scheduler) TriggerNow(mode Mode) {
	s.trigger(mode)
}
