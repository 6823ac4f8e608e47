package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/jamalloc/internal/config"
)

// Runner allocates one window of jams
type Runner interface {
	Run(ctx context.Context, window Window) (*RunStats, error)
}

// PeriodicAllocationService re-runs allocation on a fixed interval, each time
// covering the jams that arrived since the last successful run
type PeriodicAllocationService struct {
	runner   Runner
	interval time.Duration
	lookback time.Duration
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	doneChan  chan struct{}
	lastEnd   time.Time
	lastStats *RunStats
	lastErr   error
}

// NewPeriodicAllocationService creates a new periodic allocation service
func NewPeriodicAllocationService(runner Runner, cfg config.BatchConfig) *PeriodicAllocationService {
	return &PeriodicAllocationService{
		runner:   runner,
		interval: cfg.Interval,
		lookback: cfg.Lookback,
		now:      time.Now,
	}
}

// Start begins periodic runs in the background; the first run starts immediately
func (p *PeriodicAllocationService) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.interval <= 0 {
		return fmt.Errorf("periodic allocation requires a positive interval, got %v", p.interval)
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.doneChan = make(chan struct{})

	logging.Infow(ctx, "Starting periodic allocation", "interval", p.interval, "lookback", p.lookback)
	go p.loop(ctx, p.stopChan, p.doneChan)
	return nil
}

// Stop halts the background loop and waits for an in-flight run to finish
func (p *PeriodicAllocationService) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	done := p.doneChan
	p.mu.Unlock()

	<-done
}

// IsRunning returns whether periodic allocation is active
func (p *PeriodicAllocationService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicAllocationService) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			logging.Errorw(ctx, "Periodic allocation: recovered from panic",
				"error", r, "error.stack_trace", err.MinimalStack(3, 5))
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Infow(ctx, "Periodic allocation stopping due to context cancellation")
			return
		case <-stop:
			logging.Infow(ctx, "Periodic allocation stopping due to stop signal")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce allocates the window from the end of the last successful run (or
// now minus the lookback) up to now, truncated to the minute
func (p *PeriodicAllocationService) RunOnce(ctx context.Context) (*RunStats, error) {
	p.mu.Lock()
	to := p.now().UTC().Truncate(time.Minute)
	from := p.lastEnd
	if from.IsZero() {
		from = to.Add(-p.lookback)
	}
	p.mu.Unlock()

	window := Window{From: from, To: to}
	if !to.After(from) {
		return nil, nil
	}

	stats, err := p.runner.Run(ctx, window)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastStats = stats
	p.lastErr = err
	if err != nil {
		logging.Errorw(ctx, "Periodic allocation run failed", "window", window.String(), "error", err)
		return stats, err
	}
	p.lastEnd = to
	return stats, nil
}

// Status describes the most recent run
type Status struct {
	Running   bool      `json:"running"`
	LastEnd   time.Time `json:"last_end"`
	LastStats *RunStats `json:"last_stats,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Status returns the state of the service
func (p *PeriodicAllocationService) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		Running:   p.running,
		LastEnd:   p.lastEnd,
		LastStats: p.lastStats,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// StatusHandler serves Status as JSON
func (p *PeriodicAllocationService) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.Status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
