package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownPhase orders teardown. Earlier phases finish before later ones start.
type ShutdownPhase int

const (
	// PhaseIntake stops accepting new webhooks.
	PhaseIntake ShutdownPhase = iota
	// PhaseServices stops background services such as the webhook manager.
	PhaseServices
	// PhaseConnections closes stores and watchers.
	PhaseConnections
	// PhaseCleanup flushes logs and other final resources.
	PhaseCleanup
	phaseCount
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseIntake:
		return "intake"
	case PhaseServices:
		return "services"
	case PhaseConnections:
		return "connections"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc releases one component.
type ShutdownFunc func(ctx context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownResult records how one step went.
type ShutdownResult struct {
	Name     string
	Phase    ShutdownPhase
	Duration time.Duration
	Error    error
}

// Shutdown runs registered steps phase by phase. Steps within a phase run
// concurrently, each bounded by the step timeout. Run executes at most once.
type Shutdown struct {
	mu          sync.Mutex
	steps       [phaseCount][]shutdownStep
	stepTimeout time.Duration
	logger      *slog.Logger
	once        sync.Once
}

// NewShutdown creates an empty shutdown sequence. A non-positive stepTimeout
// defaults to 10s.
func NewShutdown(stepTimeout time.Duration, logger *slog.Logger) *Shutdown {
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shutdown{stepTimeout: stepTimeout, logger: logger.With("component", "shutdown")}
}

// Register adds a step to phase. Out-of-range phases run during cleanup.
func (s *Shutdown) Register(name string, phase ShutdownPhase, fn ShutdownFunc) {
	if phase < 0 || phase >= phaseCount {
		phase = PhaseCleanup
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[phase] = append(s.steps[phase], shutdownStep{name: name, fn: fn})
}

// Run executes every step. Failing or timed-out steps do not stop later
// phases; a cancelled ctx does. Calls after the first return nil.
func (s *Shutdown) Run(ctx context.Context) []ShutdownResult {
	var results []ShutdownResult
	s.once.Do(func() {
		start := time.Now()
		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			s.mu.Lock()
			steps := append([]shutdownStep(nil), s.steps[phase]...)
			s.mu.Unlock()
			if len(steps) == 0 {
				continue
			}
			results = append(results, s.runPhase(ctx, phase, steps)...)
			if ctx.Err() != nil {
				s.logger.Warn("shutdown cancelled", "phase", phase.String())
				break
			}
		}
		s.logger.Info("shutdown complete", "duration", time.Since(start))
	})
	return results
}

func (s *Shutdown) runPhase(ctx context.Context, phase ShutdownPhase, steps []shutdownStep) []ShutdownResult {
	results := make([]ShutdownResult, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.runStep(ctx, phase, step)
		}()
	}
	wg.Wait()
	return results
}

func (s *Shutdown) runStep(ctx context.Context, phase ShutdownPhase, step shutdownStep) ShutdownResult {
	result := ShutdownResult{Name: step.name, Phase: phase}
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step.fn(stepCtx)
	}()

	select {
	case err := <-done:
		result.Error = err
	case <-stepCtx.Done():
		result.Error = stepCtx.Err()
	}
	result.Duration = time.Since(start)

	if result.Error != nil {
		s.logger.Warn("shutdown step failed", "step", step.name, "phase", phase.String(), "error", result.Error)
	} else {
		s.logger.Debug("shutdown step complete", "step", step.name, "duration", result.Duration)
	}
	return result
}
