// Package supervisor spawns, tracks, and gracefully terminates isolated
// per-shard worker processes (Component D). Each worker is a real OS
// process so that a worker crash can never corrupt the supervisor's state
// or hold resources open in the supervisor's address space.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nsilvestrini/shardcoord/pkg/workerproto"
)

// State is a handle's position in the SPAWNING -> RUNNING -> STOPPING ->
// EXITED state machine. SPAWNING -> EXITED (a fast crash) is permitted.
type State int

const (
	Spawning State = iota
	Running
	Stopping
	Exited
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "SPAWNING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Handle is a live (or recently live) worker process.
type Handle struct {
	ID           string
	ShardID      string
	LeaseCounter *int64
	StartedAt    time.Time

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	stdin io.WriteCloser
	exitC chan struct{}
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Config configures a Supervisor. WorkerEntrypoint is the binary the
// supervisor execs for every spawn; it has no default and must be set
// (tests point it at a stub). A zero GraceDuration becomes 40s and nil
// Stdout/Stderr become the coordinator's own streams.
type Config struct {
	WorkerEntrypoint string
	GraceDuration    time.Duration
	Stdout           io.Writer
	Stderr           io.Writer
}

// Supervisor is the Worker Supervisor component (4.D).
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	handles map[string]*Handle
}

// New constructs a Supervisor. All mutations to its live-handle set happen
// under mu; this is the one piece of the coordinator that is genuinely
// touched from multiple goroutines (spawn callers and exit-watchers), so
// unlike the single-actor coordinator state, it is deliberately
// mutex-guarded rather than funneled through the event channel.
func New(cfg Config, log *logrus.Entry) *Supervisor {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.GraceDuration == 0 {
		cfg.GraceDuration = 40 * time.Second
	}
	return &Supervisor{cfg: cfg, log: log, handles: make(map[string]*Handle)}
}

// Spawn starts an isolated child process carrying the shard identity and
// initial lease counter (nil means "claim fresh"). It returns immediately;
// the child performs its own CAS against the lease table.
func (s *Supervisor) Spawn(opts workerproto.Options) (*Handle, error) {
	if opts.ShardID == "" {
		// The Allocation Controller never emits a shard ID this way; treated
		// as an unreachable precondition rather than defended against.
		panic("supervisor: spawn called with empty shardId")
	}

	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("supervisor: marshal options: %w", err)
	}

	cmd := exec.Command(s.cfg.WorkerEntrypoint)
	cmd.Env = append(os.Environ(),
		workerproto.EnvOptionsKey+"="+string(payload),
		workerproto.EnvEntrypointKey+"="+s.cfg.WorkerEntrypoint,
	)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}

	h := &Handle{
		ID:           uuid.NewString(),
		ShardID:      opts.ShardID,
		LeaseCounter: opts.InitialLeaseCounter,
		StartedAt:    time.Now(),
		state:        Spawning,
		cmd:          cmd,
		stdin:        stdin,
		exitC:        make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker for shard %s: %w", opts.ShardID, err)
	}
	h.setState(Running)

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	go s.watch(h)

	s.log.WithFields(logrus.Fields{"shard_id": opts.ShardID, "handle_id": h.ID}).Info("supervisor: spawned worker")
	return h, nil
}

func (s *Supervisor) watch(h *Handle) {
	err := h.cmd.Wait()

	s.mu.Lock()
	delete(s.handles, h.ID)
	s.mu.Unlock()

	h.setState(Exited)
	close(h.exitC)

	fields := logrus.Fields{"shard_id": h.ShardID, "handle_id": h.ID}
	if err == nil {
		// Exit code 0 = info.
		s.log.WithFields(fields).Info("supervisor: worker exited cleanly")
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() != 0 {
		// Any non-zero exit code = error. The supervisor does not interpret
		// it further; the Allocation Controller may spawn a replacement on
		// its next tick via the normal acquire path.
		s.log.WithFields(fields).WithField("exit_code", exitErr.ExitCode()).Error("supervisor: worker exited with error")
		return
	}
	s.log.WithFields(fields).WithError(err).Error("supervisor: worker wait failed")
}

// Stop sends a structured shutdown message to the child; after the
// configured grace period it forcibly terminates the process if still
// alive. The returned channel closes when either the child exits or the
// kill timer fires.
func (s *Supervisor) Stop(h *Handle) <-chan struct{} {
	done := make(chan struct{})

	h.setState(Stopping)

	msg, _ := json.Marshal(workerproto.Message{Type: workerproto.ShutdownMessage})
	if _, err := h.stdin.Write(append(msg, '\n')); err != nil {
		s.log.WithField("handle_id", h.ID).WithError(err).Debug("supervisor: shutdown write failed, likely already exited")
	}

	timer := time.AfterFunc(s.cfg.GraceDuration, func() {
		if h.State() == Exited {
			return
		}
		s.log.WithField("handle_id", h.ID).Warn("supervisor: grace period elapsed, killing worker")
		_ = h.cmd.Process.Kill()
	})

	go func() {
		<-h.exitC
		timer.Stop()
		close(done)
	}()

	return done
}

// StopAll issues a concurrent Stop over every live handle and resolves
// when the last one resolves.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			select {
			case <-s.Stop(h):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Count returns the number of currently live handles.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Oldest returns the longest-running live handle, used by the Allocation
// Controller to pick a deterministic victim when shedding.
func (s *Supervisor) Oldest() (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Handle
	for _, h := range s.handles {
		if oldest == nil || h.StartedAt.Before(oldest.StartedAt) {
			oldest = h
		}
	}
	return oldest, oldest != nil
}
