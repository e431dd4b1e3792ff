// Package checkpoint implements the driver checkpoint log: a plain
// text, append-only record of which (y, x) tile last finished with
// which status, so a restarted driver can skip work it already
// completed.
//
// Each record is one line, "<y> <x> <status>\n", status being 0
// (untried), 1 (success), or 2 (failed). The file is opened for
// append so a crash mid-write loses at most the last partial line;
// on replay the last record for a given (y, x) wins, matching the
// filter driver's own recovery behavior.
package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/cctools-go/workqueue/pkg/types"
)

// Log is an append-only checkpoint file plus the in-memory grid
// reconstructed from it.
type Log struct {
	file  *os.File
	grid  map[[2]int]types.CheckpointStatus
}

// Open opens (or creates) the checkpoint file at path and replays it,
// returning a Log ready to accept further records and to answer
// Status queries for recovery.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	l := &Log{file: f, grid: make(map[[2]int]types.CheckpointStatus)}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(l.file)
	for scanner.Scan() {
		var y, x, status int
		if _, err := fmt.Sscanf(scanner.Text(), "%d %d %d", &y, &x, &status); err != nil {
			continue // skip a truncated trailing line from a prior crash
		}
		l.grid[[2]int{y, x}] = types.CheckpointStatus(status)
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return scanner.Err()
}

// Status returns the recorded status of tile (y, x), or
// CheckpointUntried if no record exists.
func (l *Log) Status(y, x int) types.CheckpointStatus {
	if s, ok := l.grid[[2]int{y, x}]; ok {
		return s
	}
	return types.CheckpointUntried
}

// Record appends one outcome and updates the in-memory grid. The
// write is a single line no longer than PIPE_BUF, so concurrent
// appends from the same process stay line-atomic.
func (l *Log) Record(y, x int, status types.CheckpointStatus) error {
	line := fmt.Sprintf("%d %d %d\n", y, x, int(status))
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to append checkpoint record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint record: %w", err)
	}
	l.grid[[2]int{y, x}] = status
	return nil
}

// Records returns every recorded (y, x, status) tuple, for drivers
// that need to reconstruct a sparse completion set rather than query
// one tile at a time.
func (l *Log) Records() []types.CheckpointRecord {
	out := make([]types.CheckpointRecord, 0, len(l.grid))
	for k, v := range l.grid {
		out = append(out, types.CheckpointRecord{Y: k[0], X: k[1], Status: v})
	}
	return out
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}
