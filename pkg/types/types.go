// Package types holds the data model shared by the queue, the worker
// session, the drivers, and the resource monitor.
package types

import "time"

// Direction is the direction a file spec moves relative to the worker.
type Direction string

const (
	DirectionInput  Direction = "in"
	DirectionOutput Direction = "out"
)

// CachePolicy controls whether a file spec is reused across tasks.
type CachePolicy string

const (
	CachePolicyCache   CachePolicy = "cache"
	CachePolicyNoCache CachePolicy = "nocache"
)

// FileSpec describes one file a Task depends on or produces.
//
// LocalSource is either a host path (Buffer is nil) or an in-memory
// buffer (Buffer is non-nil); exactly one must be set.
type FileSpec struct {
	LocalSource string
	Buffer      []byte
	RemoteName  string
	Direction   Direction
	CachePolicy CachePolicy
}

// Result is the terminal classification of a finished Task.
type Result string

const (
	ResultSuccess       Result = "success"
	ResultInputMissing  Result = "input_missing"
	ResultExecFailed    Result = "exec_failed"
	ResultOutputMissing Result = "output_missing"
	ResultAborted       Result = "aborted"
)

// Task is the immutable spec plus mutable result of one unit of work.
type Task struct {
	ID          int64
	CommandLine string
	Tag         string
	Files       []FileSpec
	Attempts    int

	// Terminal fields, valid only once the task has left the queue.
	ReturnStatus int
	Result       Result
	Output       []byte

	SubmitTime        time.Time
	StartTime         time.Time
	FinishTime        time.Time
	TotalTransferTime time.Duration

	// WorkerHost records which worker ran the attempt that produced
	// the terminal result, for logging.
	WorkerHost string
}

// SpecifyInputFile declares a host-path input file.
func (t *Task) SpecifyInputFile(localPath, remoteName string, policy CachePolicy) {
	t.Files = append(t.Files, FileSpec{
		LocalSource: localPath,
		RemoteName:  remoteName,
		Direction:   DirectionInput,
		CachePolicy: policy,
	})
}

// SpecifyInputBuffer declares an in-memory input buffer.
func (t *Task) SpecifyInputBuffer(buf []byte, remoteName string, policy CachePolicy) {
	t.Files = append(t.Files, FileSpec{
		Buffer:      buf,
		RemoteName:  remoteName,
		Direction:   DirectionInput,
		CachePolicy: policy,
	})
}

// SpecifyOutputFile declares a named output the worker must produce;
// localPath is where the queue persists it once the task completes.
func (t *Task) SpecifyOutputFile(localPath, remoteName string) {
	t.Files = append(t.Files, FileSpec{
		LocalSource: localPath,
		RemoteName:  remoteName,
		Direction:   DirectionOutput,
		CachePolicy: CachePolicyNoCache,
	})
}

// MaxCommandLineBytes bounds submit-time command length per spec §8 law 10.
const MaxCommandLineBytes = 4096

// WorkerState is the worker session state machine's current state.
type WorkerState string

const (
	WorkerStateInit  WorkerState = "init"
	WorkerStateReady WorkerState = "ready"
	WorkerStateBusy  WorkerState = "busy"
	WorkerStateDead  WorkerState = "dead"
)

// WorkerInfo is the queue's view of one connected worker.
type WorkerInfo struct {
	ID            string
	Hostname      string
	Address       string
	State         WorkerState
	Cores         int
	MemoryBytes   int64
	DiskBytes     int64
	AssignedTask  int64 // 0 if none
	FailureCount  int
	AvgTaskTime   time.Duration
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Stats is a snapshot of the queue's aggregate counters.
type Stats struct {
	TasksWaiting  int
	TasksRunning  int
	TasksComplete int

	WorkersInit  int
	WorkersReady int
	WorkersBusy  int

	BytesTransferred int64
	TotalRuntime     time.Duration
}

// CheckpointStatus is the outcome recorded for one tile/cell in a
// driver's checkpoint log.
type CheckpointStatus int

const (
	CheckpointUntried CheckpointStatus = 0
	CheckpointSuccess CheckpointStatus = 1
	CheckpointFailed  CheckpointStatus = 2
)

// CheckpointRecord is one line of a driver checkpoint log: a tile
// identified by (Y, X) and its outcome.
type CheckpointRecord struct {
	Y      int
	X      int
	Status CheckpointStatus
}

// EventType names the kind of occurrence published on the event bus.
type EventType string

const (
	EventWorkerJoined  EventType = "worker.joined"
	EventWorkerLost    EventType = "worker.lost"
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskCompleted EventType = "task.completed"
	EventTaskRetried   EventType = "task.retried"
	EventTaskAborted   EventType = "task.aborted"
)

// Event is a cluster-visible occurrence, published so drivers and CLI
// clients can observe queue activity without polling internal state.
type Event struct {
	Type      EventType
	Timestamp time.Time
	WorkerID  string
	TaskID    int64
	Message   string
	Data      map[string]string
}
