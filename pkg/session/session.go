// Package session implements the worker side of the queue protocol:
// dial the queue, announce readiness, and loop accepting put/unlink/
// work/kill/ping commands until the queue sends exit or the
// connection is lost.
//
// The state machine is exactly init -> ready -> busy -> dead: init
// while dialing and before the first successful ready, ready while
// idle, busy while at least one task is running, dead once the
// session loop returns (the caller is expected to redial for a fresh
// session rather than reuse a dead one).
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cctools-go/workqueue/pkg/cache"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/metrics"
	"github.com/cctools-go/workqueue/pkg/stage"
	"github.com/cctools-go/workqueue/pkg/transport"
	"github.com/cctools-go/workqueue/pkg/types"
	"github.com/cctools-go/workqueue/pkg/wire"
	"github.com/rs/zerolog"
)

// Config configures one worker session.
type Config struct {
	WorkerID          string
	MasterAddr        string
	TLSConfig         *tls.Config
	Cores             int
	MemoryBytes       int64
	DiskBytes         int64
	CacheDir          string
	SandboxDir        string
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 5 * c.KeepaliveInterval
	}
	if c.Cores <= 0 {
		c.Cores = 1
	}
	return c
}

// Session is one worker's connection to a queue.
type Session struct {
	cfg    Config
	cache  *cache.Cache
	stage  *stage.Manager
	logger zerolog.Logger

	writeMu sync.Mutex
	conn    *transport.Conn

	stateMu sync.Mutex
	state   types.WorkerState

	tasksMu sync.Mutex
	cancels map[int64]context.CancelFunc
	inFlight int
}

// New builds a session, initializing its local cache and sandbox
// manager. It does not dial the queue yet; call Run for that.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker cache: %w", err)
	}
	m, err := stage.NewManager(cfg.SandboxDir, c)
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox manager: %w", err)
	}
	return &Session{
		cfg:     cfg,
		cache:   c,
		stage:   m,
		logger:  log.WithWorkerID(cfg.WorkerID),
		state:   types.WorkerStateInit,
		cancels: make(map[int64]context.CancelFunc),
	}, nil
}

// State returns the session's current state.
func (s *Session) State() types.WorkerState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st types.WorkerState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Run dials the queue, announces readiness, and services commands
// until ctx is canceled, the queue sends exit, or the connection
// fails. It always returns with the session in the dead state.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(types.WorkerStateDead)

	conn, err := transport.Dial(ctx, s.cfg.MasterAddr, s.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to dial queue: %w", err)
	}
	s.conn = conn
	defer conn.Close()

	if err := s.writeLocked(func() error {
		return wire.WriteReady(conn, wire.ReadyMsg{
			WorkerID:    s.cfg.WorkerID,
			Cores:       s.cfg.Cores,
			MemoryBytes: s.cfg.MemoryBytes,
			DiskBytes:   s.cfg.DiskBytes,
		})
	}); err != nil {
		return fmt.Errorf("failed to announce ready: %w", err)
	}
	s.setState(types.WorkerStateReady)
	s.logger.Info().Str("master", s.cfg.MasterAddr).Msg("session ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := conn.SetDeadline(time.Now().Add(s.cfg.KeepaliveTimeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
		l, err := wire.ReadLine(conn)
		if err != nil {
			return fmt.Errorf("session loop read failed: %w", err)
		}

		switch l.Verb {
		case wire.VerbPing:
			if err := s.writeLocked(func() error { return wire.WritePong(conn) }); err != nil {
				return err
			}
		case wire.VerbPut:
			if err := s.handlePut(conn, l); err != nil {
				return err
			}
		case wire.VerbUnlink:
			m, err := wire.ReadUnlinkBody(l)
			if err != nil {
				return err
			}
			s.cache.Invalidate(m.RemoteName)
		case wire.VerbGet:
			if err := s.handleGet(conn, l); err != nil {
				return err
			}
		case wire.VerbWork:
			m, err := wire.ReadWorkBody(conn, l)
			if err != nil {
				return err
			}
			s.dispatch(ctx, m)
		case wire.VerbKill:
			m, err := wire.ReadKillBody(l)
			if err != nil {
				return err
			}
			s.kill(m.TaskID)
		case wire.VerbExit:
			s.logger.Info().Msg("queue requested exit")
			return nil
		default:
			return fmt.Errorf("unexpected verb %q on session connection", l.Verb)
		}
	}
}

func (s *Session) writeLocked(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

func (s *Session) handlePut(conn *transport.Conn, l wire.Line) error {
	m, err := wire.ReadPutBody(conn, l)
	if err != nil {
		return err
	}
	digest, err := s.cache.Put(m.Data)
	if err != nil {
		return fmt.Errorf("failed to cache put file %s: %w", m.RemoteName, err)
	}
	s.cache.Ensure(m.RemoteName, digest)
	return nil
}

func (s *Session) handleGet(conn *transport.Conn, l wire.Line) error {
	m, err := wire.ReadGetBody(l)
	if err != nil {
		return err
	}
	entry, ok := s.cache.Lookup(m.RemoteName)
	var data []byte
	if ok {
		data, err = cacheReadAll(s.cache, entry.Digest)
		if err != nil {
			return fmt.Errorf("failed to read cached file for get: %w", err)
		}
	}
	return s.writeLocked(func() error {
		return wire.WritePut(conn, wire.PutMsg{RemoteName: m.RemoteName, CachePolicy: types.CachePolicyCache, Data: data})
	})
}

// cacheReadAll is a package-level helper rather than a Cache method
// because only the get handler ever needs to read a blob back out by
// digest into memory.
func cacheReadAll(c *cache.Cache, digest string) ([]byte, error) {
	return readFileBytes(c.Path(digest))
}

func readFileBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// dispatch runs one task attempt concurrently with the session's read
// loop, up to Cores tasks at a time, so the queue can still ping or
// kill while work is in flight.
func (s *Session) dispatch(ctx context.Context, m wire.WorkMsg) {
	s.tasksMu.Lock()
	if s.inFlight >= s.cfg.Cores {
		s.tasksMu.Unlock()
		s.sendResult(wire.ResultMsg{
			TaskID:       m.TaskID,
			Attempt:      m.Attempt,
			ReturnStatus: -1,
			Result:       types.ResultAborted,
			Output:       []byte("worker at capacity"),
		})
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.cancels[m.TaskID] = cancel
	s.inFlight++
	s.setState(types.WorkerStateBusy)
	s.tasksMu.Unlock()

	go func() {
		defer func() {
			s.tasksMu.Lock()
			delete(s.cancels, m.TaskID)
			s.inFlight--
			if s.inFlight == 0 {
				s.setState(types.WorkerStateReady)
			}
			s.tasksMu.Unlock()
			cancel()
		}()

		result := s.execute(taskCtx, m)
		s.sendResult(result)
	}()
}

func (s *Session) kill(taskID int64) {
	s.tasksMu.Lock()
	cancel, ok := s.cancels[taskID]
	s.tasksMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) sendResult(r wire.ResultMsg) {
	if err := s.writeLocked(func() error { return wire.WriteResult(s.conn, r) }); err != nil {
		s.logger.Error().Err(err).Int64("task_id", r.TaskID).Msg("failed to send result")
	}
}

// execute stages inputs, runs the command line in a fresh sandbox,
// and collects declared outputs, producing the terminal ResultMsg for
// this attempt.
func (s *Session) execute(ctx context.Context, m wire.WorkMsg) wire.ResultMsg {
	logger := s.logger.With().Int64("task_id", m.TaskID).Logger()
	sb, err := s.stage.Create(m.TaskID, m.Attempt)
	if err != nil {
		return wire.ResultMsg{TaskID: m.TaskID, Attempt: m.Attempt, ReturnStatus: -1, Result: types.ResultInputMissing,
			Output: []byte(fmt.Sprintf("failed to create sandbox: %v", err))}
	}
	defer s.stage.Destroy(sb)

	var inputs, outputs []wire.FileTransfer
	for _, f := range m.Files {
		if f.Direction == types.DirectionInput {
			inputs = append(inputs, f)
		} else {
			outputs = append(outputs, f)
		}
	}

	for _, f := range inputs {
		data := f.Data
		if data == nil {
			entry, ok := s.cache.Lookup(f.RemoteName)
			if !ok {
				return wire.ResultMsg{TaskID: m.TaskID, Attempt: m.Attempt, ReturnStatus: -1, Result: types.ResultInputMissing,
					Output: []byte(fmt.Sprintf("input %s not resident and no data sent", f.RemoteName))}
			}
			data, err = readFileBytes(s.cache.Path(entry.Digest))
			if err != nil {
				return wire.ResultMsg{TaskID: m.TaskID, Attempt: m.Attempt, ReturnStatus: -1, Result: types.ResultInputMissing,
					Output: []byte(fmt.Sprintf("failed to read cached input %s: %v", f.RemoteName, err))}
			}
		}
		fs := types.FileSpec{RemoteName: f.RemoteName, Direction: types.DirectionInput, CachePolicy: f.CachePolicy}
		if err := s.stage.PlaceInput(sb, fs, data); err != nil {
			return wire.ResultMsg{TaskID: m.TaskID, Attempt: m.Attempt, ReturnStatus: -1, Result: types.ResultInputMissing,
				Output: []byte(fmt.Sprintf("failed to place input %s: %v", f.RemoteName, err))}
		}
	}

	timer := metrics.NewTimer()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", m.CommandLine)
	cmd.Dir = sb.Path
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	runErr := cmd.Run()
	timer.ObserveDuration(metrics.TaskRuntime)

	returnStatus := 0
	result := types.ResultSuccess
	if ctx.Err() == context.Canceled {
		result = types.ResultAborted
		returnStatus = -1
	} else if runErr != nil {
		result = types.ResultExecFailed
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returnStatus = exitErr.ExitCode()
		} else {
			returnStatus = -1
		}
	}

	var collected []wire.FileTransfer
	if result == types.ResultSuccess {
		for _, f := range outputs {
			fs := types.FileSpec{RemoteName: f.RemoteName, Direction: types.DirectionOutput}
			data, err := s.stage.CollectOutput(sb, fs)
			if err != nil {
				logger.Warn().Str("remote_name", f.RemoteName).Err(err).Msg("output missing")
				result = types.ResultOutputMissing
				collected = nil
				break
			}
			collected = append(collected, wire.FileTransfer{RemoteName: f.RemoteName, Data: data})
		}
	}

	logger.Info().Int("return_status", returnStatus).Str("result", string(result)).Msg("task attempt finished")
	return wire.ResultMsg{
		TaskID:       m.TaskID,
		Attempt:      m.Attempt,
		ReturnStatus: returnStatus,
		Result:       result,
		Output:       stdout.Bytes(),
		Outputs:      collected,
	}
}
