// Package supervisor wires and runs the background workers named in
// spec.md §2: one Telemetry Client per configured machine, plus the four
// fixed periodic workers (Snapshot Writer, Status Log DB Writer, Shift
// Engine, Program Cycle Engine). The Analysis Engine is deliberately not
// driven here — it runs request-scoped, outside any background loop
// (spec.md §5).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Atot4/shopfloor-monitor/internal/analysis"
	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/check"
	"github.com/Atot4/shopfloor-monitor/internal/cycle"
	"github.com/Atot4/shopfloor-monitor/internal/metrics"
	"github.com/Atot4/shopfloor-monitor/internal/model"
	"github.com/Atot4/shopfloor-monitor/internal/shift"
	"github.com/Atot4/shopfloor-monitor/internal/snapshot"
	"github.com/Atot4/shopfloor-monitor/internal/statuslog"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
	"github.com/Atot4/shopfloor-monitor/internal/telemetry"
)

// gracePeriod bounds how long Run waits for a worker group to unwind after
// its context is cancelled (spec.md §5: "unwinds cleanly within a bounded
// grace period (5s)").
const gracePeriod = 5 * time.Second

// statusLogFanOut bounds how many machines' status-log writes the Status
// Log DB Writer runs concurrently on a single tick, independent of how
// many machines are configured (spec.md §5's write mutex still serializes
// the underlying transactions; this only bounds goroutine fan-out).
const statusLogFanOut = 8

// Supervisor owns the production dependency graph and its background
// workers. Construct one with New; call Run to start it or RunOnce for a
// single smoke-test pass.
type Supervisor struct {
	Config  *appconfig.Config
	DB      *storage.DB
	Metrics *metrics.Registry

	Live       *telemetry.Register
	WriteQueue *telemetry.Register
	Logs       *statuslog.Store
	Snapshot   *snapshot.Writer
	Shift      *shift.Engine
	Cycle      *cycle.Engine
	Analysis   *analysis.Engine

	clients []*telemetry.Client

	// OnEvent, if set, observes supervisor lifecycle events (start,
	// shutdown) in addition to the slog line each one already produces.
	OnEvent func(event, message string)
}

// New builds the full production dependency graph from cfg: one Telemetry
// Client per configured machine sharing a Latest-State Register and a
// write-queue Register, and the four periodic workers, all wired to db
// and instrumented through reg.
func New(cfg *appconfig.Config, db *storage.DB, reg *metrics.Registry) *Supervisor {
	live := telemetry.NewRegister()
	writeQueue := telemetry.NewRegister()
	logs := &statuslog.Store{DB: db}

	clients := make([]*telemetry.Client, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		clients = append(clients, &telemetry.Client{
			Machine:    m,
			Interval:   cfg.Tunables.PollInterval,
			User:       cfg.OperatorUser,
			Password:   cfg.OperatorPassword,
			Live:       live,
			WriteQueue: writeQueue,
			Metrics:    reg,
		})
	}

	return &Supervisor{
		Config:     cfg,
		DB:         db,
		Metrics:    reg,
		Live:       live,
		WriteQueue: writeQueue,
		Logs:       logs,
		Snapshot:   &snapshot.Writer{Path: cfg.SnapshotPath, Register: live},
		Shift:      &shift.Engine{DB: db, Logs: logs, Vocab: cfg.Vocab, Metrics: reg},
		Cycle:      &cycle.Engine{DB: db, Logs: logs, Vocab: cfg.Vocab, Metrics: reg},
		Analysis:   &analysis.Engine{DB: db, Logs: logs, Metrics: reg},
		clients:    clients,
	}
}

func (s *Supervisor) emit(event, message string) {
	if s.OnEvent != nil {
		s.OnEvent(event, message)
	}
	slog.Debug("supervisor event", "event", event, "message", message)
}

func (s *Supervisor) machineNames() []string {
	names := make([]string, len(s.Config.Machines))
	for i, m := range s.Config.Machines {
		names[i] = m.Name
	}
	return names
}

// singleMachineRegister adapts one (name, state) pair to the
// statuslog.Register interface, letting writeStatusLogTick submit one
// SaveLatest call per machine to the worker pool instead of one call
// covering every machine.
type singleMachineRegister map[string]model.MachineState

func (r singleMachineRegister) Snapshot() map[string]model.MachineState { return r }

// writeStatusLogTick fans this tick's register snapshot out across a
// bounded worker pool (github.com/gammazero/workerpool), one SaveLatest
// call per machine, so one slow machine's write doesn't delay the others
// queuing for the process-wide write lock.
func (s *Supervisor) writeStatusLogTick(ctx context.Context, now time.Time) {
	states := s.WriteQueue.Snapshot()
	if len(states) == 0 {
		return
	}

	wp := workerpool.New(statusLogFanOut)
	for name, state := range states {
		name, state := name, state
		wp.Submit(func() {
			single := singleMachineRegister{name: state}
			if err := s.Logs.SaveLatest(ctx, single, now); err != nil {
				slog.Warn("status log writer: save failed", "machine", name, "err", err)
			}
		})
	}
	wp.StopWait()
}

// Run starts every Telemetry Client and schedules the four periodic
// workers, blocking until ctx is cancelled. It then stops the scheduler
// and waits for the clients to unwind, each bounded by gracePeriod. It
// returns an error if the scheduler cannot be created or a job cannot be
// scheduled, or if the clients do not unwind within gracePeriod; an error
// from stopping the scheduler is only reported as a
// "supervisor.shutdown.error" event. It returns nil on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	check.Assert(s.Config != nil, "Supervisor.Run: Config must not be nil")
	check.Assert(s.DB != nil, "Supervisor.Run: DB must not be nil")

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.clients {
		c := c
		g.Go(func() error {
			c.Run(gctx)
			return nil
		})
	}

	sched, err := gocron.NewScheduler(gocron.WithStopTimeout(gracePeriod))
	if err != nil {
		return fmt.Errorf("supervisor: create scheduler: %w", err)
	}

	machines := s.machineNames()
	tun := s.Config.Tunables

	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"snapshot-writer", tun.SnapshotInterval, func() {
			if err := s.Snapshot.WriteOnce(); err != nil {
				slog.Warn("snapshot writer: write failed", "err", err)
			}
		}},
		{"status-log-writer", tun.StatusLogInterval, func() {
			s.writeStatusLogTick(gctx, time.Now())
		}},
		{"shift-engine", tun.ShiftCalcInterval, func() {
			if err := s.Shift.Tick(gctx, machines, time.Now()); err != nil {
				slog.Warn("shift engine: tick failed", "err", err)
			}
		}},
		{"cycle-engine", tun.ProgramReportInterval, func() {
			s.Cycle.Tick(gctx, machines, time.Now())
		}},
	}

	for _, j := range jobs {
		if _, err := sched.NewJob(gocron.DurationJob(j.interval), gocron.NewTask(j.task)); err != nil {
			return fmt.Errorf("supervisor: schedule %s: %w", j.name, err)
		}
	}

	sched.Start()
	s.emit("supervisor.start", fmt.Sprintf("%d telemetry clients, %d scheduled workers", len(s.clients), len(jobs)))

	<-gctx.Done()
	s.emit("supervisor.stopping", "context cancelled, shutting down")

	if err := sched.Shutdown(); err != nil {
		s.emit("supervisor.shutdown.error", err.Error())
	}

	clientsDone := make(chan error, 1)
	go func() { clientsDone <- g.Wait() }()

	select {
	case err := <-clientsDone:
		return err
	case <-time.After(gracePeriod):
		return fmt.Errorf("supervisor: telemetry clients did not shut down within %s", gracePeriod)
	}
}

// RunOnce runs every Telemetry Client for a short warmup window, then a
// single pass of every periodic worker, and returns — used by the
// `once` CLI subcommand to smoke-test a config without committing to a
// long-running process.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	check.Assert(s.Config != nil, "Supervisor.RunOnce: Config must not be nil")
	check.Assert(s.DB != nil, "Supervisor.RunOnce: DB must not be nil")

	clientCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, c := range s.clients {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(clientCtx)
		}()
	}

	warmup := 2 * s.Config.Tunables.PollInterval
	select {
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return ctx.Err()
	case <-time.After(warmup):
	}
	cancel()
	wg.Wait()

	now := time.Now()
	machines := s.machineNames()

	if err := s.Snapshot.WriteOnce(); err != nil {
		slog.Warn("once: snapshot write failed", "err", err)
	}
	s.writeStatusLogTick(ctx, now)
	if err := s.Shift.Tick(ctx, machines, now); err != nil {
		slog.Warn("once: shift tick failed", "err", err)
	}
	s.Cycle.Tick(ctx, machines, now)

	s.emit("once.complete", fmt.Sprintf("ran one pass for %d machines", len(machines)))
	return nil
}
