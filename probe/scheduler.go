package probe

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"resourcepool/common"
)

type SchedulerConfig struct {
	// Interval between probe rounds.
	Interval time.Duration

	// Workers bounds how many rounds may run at once when a round
	// outlasts the interval.
	Workers int
}

// Scheduler runs probe rounds on a worker pool. Targets are fetched
// fresh for every round, and each finished round is handed to the
// onRound callback.
type Scheduler struct {
	prober  *Prober
	config  SchedulerConfig
	targets func() []Target
	onRound func([]Result)
	workers *ants.Pool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(prober *Prober, config SchedulerConfig, targets func() []Target, onRound func([]Result)) (*Scheduler, error) {
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if targets == nil {
		return nil, errors.New("target source is required")
	}
	if config.Interval <= 0 {
		return nil, errors.New("probe interval must be positive")
	}

	workers, err := common.NewWorkerPool(common.WorkerConfig{MaxWorkers: config.Workers})
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		prober:  prober,
		config:  config,
		targets: targets,
		onRound: onRound,
		workers: workers,
	}, nil
}

// Start launches the scheduling loop. The first round runs
// immediately; later rounds follow the configured interval.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	log.Infof("Starting probe scheduler with a %s interval", s.config.Interval)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.submitRound(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("Context canceled, stopping probe scheduler")
			return

		case <-ticker.C:
			s.submitRound(ctx)
		}
	}
}

func (s *Scheduler) submitRound(ctx context.Context) {
	targets := s.targets()
	if len(targets) == 0 {
		log.Warn("No targets to probe, skipping this round")
		return
	}

	err := s.workers.Submit(func() {
		results, err := s.prober.ProbeAll(ctx, targets)
		if err != nil {
			log.Warnf("Probe round aborted: %v", err)
			return
		}
		if s.onRound != nil {
			s.onRound(results)
		}
	})
	if err != nil {
		log.Errorf("Failed to submit probe round: %v", err)
	}
}

// Stop halts the loop, waits for it to exit, and releases the worker
// pool. Rounds already running are interrupted through their context.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.workers.Release()
}
