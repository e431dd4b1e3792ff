// Package queue implements the master side of the dispatch engine:
// accept worker connections, match waiting tasks to ready workers,
// retry failed attempts, fast-abort stragglers, and expose the
// driver-facing submit/wait/hungry/empty/shutdown_workers/stats
// contract.
//
// The event loop is the direct generalization of the teacher's
// pkg/scheduler.Scheduler: a ticker-driven cycle guarded by a single
// mutex, with Prometheus timers and a zerolog component logger,
// reconciling "what's waiting" against "what's ready" instead of
// "desired replicas" against "available nodes".
package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cctools-go/workqueue/pkg/cache"
	"github.com/cctools-go/workqueue/pkg/events"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/metrics"
	"github.com/cctools-go/workqueue/pkg/storage"
	"github.com/cctools-go/workqueue/pkg/transport"
	"github.com/cctools-go/workqueue/pkg/types"
	"github.com/cctools-go/workqueue/pkg/wire"
	"github.com/rs/zerolog"
)

// Config configures a Queue.
type Config struct {
	Addr              string
	TLSConfig         *tls.Config
	Store             storage.Store
	Broker            *events.Broker
	RetryMax          int
	FastAbortK        float64 // math.Inf(1) disables fast-abort
	MatchInterval     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.FastAbortK == 0 {
		c.FastAbortK = 10
	}
	if c.MatchInterval == 0 {
		c.MatchInterval = 200 * time.Millisecond
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 5 * c.KeepaliveInterval
	}
	return c
}

// workerConn is one connected worker: its durable info, its wire
// connection, and (if busy) the task it's currently running.
type workerConn struct {
	info *types.WorkerInfo

	writeMu sync.Mutex
	conn    *transport.Conn

	assigned   *types.Task
	assignedAt time.Time
}

// Queue is the master side of the dispatch engine.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	ln net.Listener

	mu      sync.Mutex
	waiting []*types.Task
	running map[int64]*workerConn
	workers map[string]*workerConn
	nextID  int64

	avgCount int64
	avgMean  time.Duration

	completed chan *types.Task
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Queue bound to cfg.Addr. Call Start to begin accepting
// worker connections and running the matchmaking loop.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:       cfg,
		logger:    log.WithComponent("queue"),
		running:   make(map[int64]*workerConn),
		workers:   make(map[string]*workerConn),
		completed: make(chan *types.Task, 4096),
		stopCh:    make(chan struct{}),
	}
}

// Start opens the listener and begins accepting workers and matching
// tasks. It returns once the listener is open; accept and matchmaking
// run in background goroutines until Stop is called.
func (q *Queue) Start() error {
	ln, err := transport.Listen(q.cfg.Addr, q.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to start queue listener: %w", err)
	}
	q.ln = ln

	q.wg.Add(2)
	go q.acceptLoop()
	go q.matchLoop()

	q.logger.Info().Str("addr", q.ln.Addr().String()).Msg("queue listening")
	return nil
}

// Addr returns the listener's bound address, useful when Config.Addr
// used an ephemeral port.
func (q *Queue) Addr() string {
	if q.ln == nil {
		return q.cfg.Addr
	}
	return q.ln.Addr().String()
}

// Stop closes the listener, disconnects all workers, and stops the
// matchmaking loop.
func (q *Queue) Stop() error {
	close(q.stopCh)
	var err error
	if q.ln != nil {
		err = q.ln.Close()
	}
	q.ShutdownWorkers(0)
	q.wg.Wait()
	return err
}

func (q *Queue) acceptLoop() {
	defer q.wg.Done()
	for {
		nc, err := q.ln.Accept()
		if err != nil {
			select {
			case <-q.stopCh:
				return
			default:
				q.logger.Error().Err(err).Msg("accept failed")
				return
			}
		}
		go q.handleWorker(transport.NewConn(nc))
	}
}

func (q *Queue) matchLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.MatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.cycle()
		case <-q.stopCh:
			return
		}
	}
}

// cycle performs one matchmaking pass: dispatch waiting tasks to idle
// workers, then check running tasks against the fast-abort threshold.
func (q *Queue) cycle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatchWaitingLocked()
	q.checkFastAbortLocked()
}

func (q *Queue) dispatchWaitingLocked() {
	for len(q.waiting) > 0 {
		wc := q.pickIdleWorkerLocked()
		if wc == nil {
			return
		}
		task := q.waiting[0]
		q.waiting = q.waiting[1:]

		timer := metrics.NewTimer()
		if err := q.ensureAndSend(wc, task); err != nil {
			task.Result = types.ResultInputMissing
			task.FinishTime = time.Now()
			q.publishAndCompleteLocked(task)
			q.logger.Warn().Int64("task_id", task.ID).Err(err).Msg("task inputs not ready, completing without retry")
			continue
		}
		timer.ObserveDuration(metrics.DispatchLatency)

		task.StartTime = time.Now()
		wc.info.State = types.WorkerStateBusy
		wc.info.AssignedTask = task.ID
		wc.assigned = task
		wc.assignedAt = task.StartTime
		q.running[task.ID] = wc
	}
}

func (q *Queue) pickIdleWorkerLocked() *workerConn {
	for _, wc := range q.workers {
		if wc.info.State == types.WorkerStateReady && wc.info.AssignedTask == 0 {
			return wc
		}
	}
	return nil
}

// ensureAndSend stages the task's input files (reading local sources,
// consulting the durable cache catalog for resident files) and writes
// the work message to the worker.
func (q *Queue) ensureAndSend(wc *workerConn, task *types.Task) error {
	var files []wire.FileTransfer
	for _, f := range task.Files {
		if f.Direction != types.DirectionInput {
			files = append(files, wire.FileTransfer{Direction: f.Direction, RemoteName: f.RemoteName, CachePolicy: f.CachePolicy})
			continue
		}

		data := f.Buffer
		if data == nil && f.LocalSource != "" {
			var err error
			data, err = os.ReadFile(f.LocalSource)
			if err != nil {
				return fmt.Errorf("input file %s unreadable: %w", f.LocalSource, err)
			}
		}

		ft := wire.FileTransfer{Direction: f.Direction, RemoteName: f.RemoteName, CachePolicy: f.CachePolicy}
		if f.CachePolicy == types.CachePolicyCache {
			digest := cache.Digest(data)
			if existing, err := q.cfg.Store.GetCacheDigest(wc.info.ID, f.RemoteName); err == nil && existing.Digest == digest {
				metrics.CacheHitsTotal.Inc()
				files = append(files, ft) // resident: no Data, worker already has it
				continue
			}
			metrics.CacheMissesTotal.Inc()
			if err := q.cfg.Store.SaveCacheDigest(&storage.CacheDigest{WorkerID: wc.info.ID, RemoteName: f.RemoteName, Digest: digest, Bytes: int64(len(data))}); err != nil {
				q.logger.Warn().Err(err).Msg("failed to persist cache digest")
			}
		}
		ft.Data = data
		metrics.BytesTransferredTotal.WithLabelValues("in").Add(float64(len(data)))
		files = append(files, ft)
	}

	return wc.writeLocked(func() error {
		return wire.WriteWork(wc.conn, wire.WorkMsg{
			TaskID:      task.ID,
			Attempt:     task.Attempts,
			CommandLine: task.CommandLine,
			Files:       files,
		})
	})
}

func (wc *workerConn) writeLocked(fn func() error) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return fn()
}

// checkFastAbortLocked walks running tasks under the already-held
// lock and aborts any whose runtime exceeds k*mean.
func (q *Queue) checkFastAbortLocked() {
	if math.IsInf(q.cfg.FastAbortK, 1) {
		return
	}
	mean := q.meanLocked()
	if mean == 0 {
		return
	}
	threshold := time.Duration(float64(mean) * q.cfg.FastAbortK)
	now := time.Now()
	for taskID, wc := range q.running {
		if now.Sub(wc.assignedAt) <= threshold {
			continue
		}
		task := wc.assigned
		q.logger.Warn().Int64("task_id", taskID).Str("worker_id", wc.info.ID).
			Dur("elapsed", now.Sub(wc.assignedAt)).Dur("mean", mean).Msg("fast-abort: presumed lost")

		metrics.FastAbortsTotal.Inc()
		wc.writeLocked(func() error { return wire.WriteKill(wc.conn, wire.KillMsg{TaskID: taskID}) })

		delete(q.running, taskID)
		q.markWorkerDeadLocked(wc)
		task.Result = types.ResultAborted
		q.requeueLocked(task)
	}
}

func (q *Queue) meanLocked() time.Duration {
	if q.avgCount == 0 {
		return 0
	}
	return q.avgMean
}

// recordSuccessLocked folds one successful task duration into the
// Welford-style running mean used by fast-abort.
func (q *Queue) recordSuccessLocked(d time.Duration) {
	q.avgCount++
	delta := d - q.avgMean
	q.avgMean += delta / time.Duration(q.avgCount)
}

func (q *Queue) markWorkerDeadLocked(wc *workerConn) {
	wc.info.State = types.WorkerStateDead
	delete(q.workers, wc.info.ID)
	wc.conn.Close()
	if q.cfg.Broker != nil {
		q.cfg.Broker.Publish(&types.Event{Type: types.EventWorkerLost, Timestamp: time.Now(), WorkerID: wc.info.ID})
	}
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateDead)).Inc()
}

// requeueLocked increments the attempt count and either puts the task
// back on the waiting queue or, once retry_max is exceeded, delivers
// it as a terminal failure carrying whatever Result the last attempt
// (or the fast-abort call site) already recorded.
func (q *Queue) requeueLocked(task *types.Task) {
	task.Attempts++
	if task.Attempts > q.cfg.RetryMax {
		task.FinishTime = time.Now()
		q.publishAndCompleteLocked(task)
		return
	}
	metrics.TasksRetriedTotal.Inc()
	if q.cfg.Broker != nil {
		q.cfg.Broker.Publish(&types.Event{Type: types.EventTaskRetried, Timestamp: time.Now(), TaskID: task.ID})
	}
	q.waiting = append(q.waiting, task)
}

func (q *Queue) publishAndCompleteLocked(task *types.Task) {
	if q.cfg.Broker != nil {
		evt := types.EventTaskCompleted
		if task.Result != types.ResultSuccess {
			evt = types.EventTaskAborted
		}
		q.cfg.Broker.Publish(&types.Event{Type: evt, Timestamp: time.Now(), TaskID: task.ID})
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(task.Result)).Inc()
	select {
	case q.completed <- task:
	default:
		q.logger.Error().Int64("task_id", task.ID).Msg("completed channel full, dropping result notification")
	}
}

// handleWorker services one worker connection: read its ready
// announcement, register it, then read results and keepalive replies
// until the connection drops or the queue sends exit.
func (q *Queue) handleWorker(conn *transport.Conn) {
	l, err := wire.ReadLine(conn)
	if err != nil {
		conn.Close()
		return
	}
	if l.Verb != wire.VerbReady {
		conn.Close()
		return
	}
	ready, err := wire.ReadReadyBody(l)
	if err != nil {
		conn.Close()
		return
	}

	wc := &workerConn{
		conn: conn,
		info: &types.WorkerInfo{
			ID:            ready.WorkerID,
			Address:       conn.RemoteAddr().String(),
			State:         types.WorkerStateReady,
			Cores:         ready.Cores,
			MemoryBytes:   ready.MemoryBytes,
			DiskBytes:     ready.DiskBytes,
			ConnectedAt:   time.Now(),
			LastHeartbeat: time.Now(),
		},
	}

	q.mu.Lock()
	q.workers[wc.info.ID] = wc
	q.mu.Unlock()

	if q.cfg.Store != nil {
		if err := q.cfg.Store.SaveWorker(wc.info); err != nil {
			q.logger.Warn().Err(err).Str("worker_id", wc.info.ID).Msg("failed to persist worker roster entry")
		}
	}
	if q.cfg.Broker != nil {
		q.cfg.Broker.Publish(&types.Event{Type: types.EventWorkerJoined, Timestamp: time.Now(), WorkerID: wc.info.ID})
	}
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateReady)).Inc()
	q.logger.Info().Str("worker_id", wc.info.ID).Str("addr", wc.info.Address).Msg("worker joined")

	defer q.dropWorker(wc)

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(q.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ticker.C:
				wc.writeLocked(func() error { return wire.WritePing(conn) })
			}
		}
	}()

	for {
		if err := conn.SetDeadline(time.Now().Add(q.cfg.KeepaliveTimeout)); err != nil {
			return
		}
		l, err := wire.ReadLine(conn)
		if err != nil {
			return
		}
		switch l.Verb {
		case wire.VerbResult:
			m, err := wire.ReadResultBody(conn, l)
			if err != nil {
				return
			}
			q.handleResult(wc, m)
		case wire.VerbPong:
			q.mu.Lock()
			wc.info.LastHeartbeat = time.Now()
			q.mu.Unlock()
		default:
			return
		}
	}
}

func (q *Queue) dropWorker(wc *workerConn) {
	q.mu.Lock()
	if wc.assigned != nil {
		task := wc.assigned
		delete(q.running, task.ID)
		task.Result = types.ResultAborted
		q.requeueLocked(task)
	}
	if q.workers[wc.info.ID] == wc {
		delete(q.workers, wc.info.ID)
	}
	q.mu.Unlock()
	conn := wc.conn
	conn.Close()
}

func (q *Queue) handleResult(wc *workerConn, m wire.ResultMsg) {
	q.mu.Lock()
	defer q.mu.Unlock()

	owner, ok := q.running[m.TaskID]
	if !ok || owner != wc {
		return // stale result from a task we already reassigned
	}
	delete(q.running, m.TaskID)

	task := wc.assigned
	wc.assigned = nil
	wc.info.State = types.WorkerStateReady
	wc.info.AssignedTask = 0

	task.ReturnStatus = m.ReturnStatus
	task.Result = m.Result
	task.Output = m.Output
	task.FinishTime = time.Now()
	task.WorkerHost = wc.info.Address

	switch m.Result {
	case types.ResultSuccess:
		for _, f := range task.Files {
			if f.Direction != types.DirectionOutput {
				continue
			}
			for _, o := range m.Outputs {
				if o.RemoteName == f.RemoteName && f.LocalSource != "" {
					if err := os.WriteFile(f.LocalSource, o.Data, 0644); err != nil {
						q.logger.Error().Err(err).Str("path", f.LocalSource).Msg("failed to persist task output")
					}
					metrics.BytesTransferredTotal.WithLabelValues("out").Add(float64(len(o.Data)))
				}
			}
		}
		q.recordSuccessLocked(task.FinishTime.Sub(task.StartTime))
		q.publishAndCompleteLocked(task)
	case types.ResultInputMissing:
		q.publishAndCompleteLocked(task)
	default: // exec_failed, output_missing, aborted
		q.requeueLocked(task)
	}
}

// Submit admits a new task into the waiting queue, assigning it an
// ID and its submit timestamp.
func (q *Queue) Submit(task *types.Task) error {
	if len(task.CommandLine) > types.MaxCommandLineBytes {
		return fmt.Errorf("command line exceeds %d bytes", types.MaxCommandLineBytes)
	}
	task.ID = atomic.AddInt64(&q.nextID, 1)
	task.SubmitTime = time.Now()

	q.mu.Lock()
	q.waiting = append(q.waiting, task)
	q.mu.Unlock()

	metrics.TasksSubmittedTotal.Inc()
	if q.cfg.Broker != nil {
		q.cfg.Broker.Publish(&types.Event{Type: types.EventTaskSubmitted, Timestamp: time.Now(), TaskID: task.ID})
	}
	return nil
}

// Wait blocks for up to timeout for the next completed task. A
// negative timeout waits indefinitely; a zero timeout polls without
// blocking.
func (q *Queue) Wait(timeout time.Duration) (*types.Task, bool) {
	if timeout == 0 {
		select {
		case t := <-q.completed:
			return t, true
		default:
			return nil, false
		}
	}
	if timeout < 0 {
		t, ok := <-q.completed
		return t, ok
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t := <-q.completed:
		return t, true
	case <-timer.C:
		return nil, false
	}
}

// WaitContext is Wait expressed with a context deadline instead of a
// duration, for callers already threading a context through.
func (q *Queue) WaitContext(ctx context.Context) (*types.Task, bool) {
	select {
	case t := <-q.completed:
		return t, true
	case <-ctx.Done():
		return nil, false
	}
}

// Hungry returns how many more tasks the queue could put to work
// right now: idle workers not already covered by a waiting task.
func (q *Queue) Hungry() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	idle := 0
	for _, wc := range q.workers {
		if wc.info.State == types.WorkerStateReady && wc.info.AssignedTask == 0 {
			idle++
		}
	}
	n := idle - len(q.waiting)
	if n < 0 {
		return 0
	}
	return n
}

// Empty reports whether the queue has no waiting or running tasks.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) == 0 && len(q.running) == 0
}

// ShutdownWorkers sends exit to n connected workers (all of them if n
// <= 0) and disconnects them.
func (q *Queue) ShutdownWorkers(n int) int {
	q.mu.Lock()
	targets := make([]*workerConn, 0, len(q.workers))
	for _, wc := range q.workers {
		targets = append(targets, wc)
		if n > 0 && len(targets) >= n {
			break
		}
	}
	q.mu.Unlock()

	for _, wc := range targets {
		wc.writeLocked(func() error { return wire.WriteExit(wc.conn) })
		q.dropWorker(wc)
	}
	return len(targets)
}

// Stats returns a snapshot of the queue's aggregate counters.
func (q *Queue) Stats() types.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := types.Stats{
		TasksWaiting:  len(q.waiting),
		TasksRunning:  len(q.running),
		TasksComplete: len(q.completed),
	}
	for _, wc := range q.workers {
		switch wc.info.State {
		case types.WorkerStateInit:
			s.WorkersInit++
		case types.WorkerStateReady:
			s.WorkersReady++
		case types.WorkerStateBusy:
			s.WorkersBusy++
		}
	}
	return s
}
