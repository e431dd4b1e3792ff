// Package wire implements the line-oriented protocol spoken between a
// queue and a worker session over a pkg/transport.Conn: one command
// verb per line, with binary payloads announced by an explicit byte
// count and read immediately after the line that announces them.
//
// Every exported Write/Read pair here corresponds to exactly one verb:
// ready, put, unlink, work, result, get, kill, exit, ping, pong.
package wire

import (
	"fmt"
	"strings"

	"github.com/cctools-go/workqueue/pkg/transport"
	"github.com/cctools-go/workqueue/pkg/types"
)

const (
	VerbReady  = "ready"
	VerbPut    = "put"
	VerbUnlink = "unlink"
	VerbWork   = "work"
	VerbResult = "result"
	VerbGet    = "get"
	VerbKill   = "kill"
	VerbExit   = "exit"
	VerbPing   = "ping"
	VerbPong   = "pong"
)

// Line is one parsed command line: its verb and whitespace-split
// fields (fields[0] is the verb). Callers dispatch on Verb and then
// call the matching ReadXBody to consume any binary payload that
// follows.
type Line struct {
	Verb   string
	Fields []string
}

// ReadLine reads and splits the next command line.
func ReadLine(c *transport.Conn) (Line, error) {
	raw, err := c.ReadLine()
	if err != nil {
		return Line{}, err
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Line{}, fmt.Errorf("empty protocol line")
	}
	return Line{Verb: fields[0], Fields: fields}, nil
}

// ReadyMsg announces a worker's identity and resources on connect.
type ReadyMsg struct {
	WorkerID    string
	Cores       int
	MemoryBytes int64
	DiskBytes   int64
}

func WriteReady(c *transport.Conn, m ReadyMsg) error {
	return c.WriteLine(fmt.Sprintf("%s %s %d %d %d", VerbReady, m.WorkerID, m.Cores, m.MemoryBytes, m.DiskBytes))
}

func ReadReadyBody(l Line) (ReadyMsg, error) {
	var m ReadyMsg
	if len(l.Fields) != 5 {
		return m, fmt.Errorf("malformed ready line")
	}
	m.WorkerID = l.Fields[1]
	if _, err := fmt.Sscanf(l.Fields[2]+" "+l.Fields[3]+" "+l.Fields[4], "%d %d %d", &m.Cores, &m.MemoryBytes, &m.DiskBytes); err != nil {
		return m, fmt.Errorf("malformed ready resources: %w", err)
	}
	return m, nil
}

// PutMsg pushes one cached file from the queue to a worker.
type PutMsg struct {
	RemoteName  string
	CachePolicy types.CachePolicy
	Data        []byte
}

func WritePut(c *transport.Conn, m PutMsg) error {
	if err := c.WriteLine(fmt.Sprintf("%s %s %s %d", VerbPut, m.RemoteName, m.CachePolicy, len(m.Data))); err != nil {
		return err
	}
	return c.WriteBinary(m.Data)
}

func ReadPutBody(c *transport.Conn, l Line) (PutMsg, error) {
	var m PutMsg
	var n int64
	if len(l.Fields) != 4 {
		return m, fmt.Errorf("malformed put line")
	}
	m.RemoteName = l.Fields[1]
	m.CachePolicy = types.CachePolicy(l.Fields[2])
	if _, err := fmt.Sscanf(l.Fields[3], "%d", &n); err != nil {
		return m, fmt.Errorf("malformed put length: %w", err)
	}
	data, err := c.ReadBinary(n)
	if err != nil {
		return m, err
	}
	m.Data = data
	return m, nil
}

// UnlinkMsg tells a worker to drop one cached name.
type UnlinkMsg struct {
	RemoteName string
}

func WriteUnlink(c *transport.Conn, m UnlinkMsg) error {
	return c.WriteLine(fmt.Sprintf("%s %s", VerbUnlink, m.RemoteName))
}

func ReadUnlinkBody(l Line) (UnlinkMsg, error) {
	if len(l.Fields) != 2 {
		return UnlinkMsg{}, fmt.Errorf("malformed unlink line")
	}
	return UnlinkMsg{RemoteName: l.Fields[1]}, nil
}

// FileTransfer describes one file accompanying a work or result
// message. Data is nil when the file is already resident (an input
// the worker is known to have cached, or an output placeholder not
// yet collected).
type FileTransfer struct {
	Direction   types.Direction
	RemoteName  string
	CachePolicy types.CachePolicy
	Data        []byte
}

// WorkMsg dispatches one task attempt to a worker.
type WorkMsg struct {
	TaskID      int64
	Attempt     int
	CommandLine string
	Files       []FileTransfer
}

func WriteWork(c *transport.Conn, m WorkMsg) error {
	cmd := []byte(m.CommandLine)
	if err := c.WriteLine(fmt.Sprintf("%s %d %d %d %d", VerbWork, m.TaskID, m.Attempt, len(cmd), len(m.Files))); err != nil {
		return err
	}
	if err := c.WriteBinary(cmd); err != nil {
		return err
	}
	for _, f := range m.Files {
		policy := f.CachePolicy
		if policy == "" {
			policy = types.CachePolicyNoCache
		}
		if err := c.WriteLine(fmt.Sprintf("file %s %s %s %d", f.Direction, f.RemoteName, policy, len(f.Data))); err != nil {
			return err
		}
		if len(f.Data) > 0 {
			if err := c.WriteBinary(f.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func ReadWorkBody(c *transport.Conn, l Line) (WorkMsg, error) {
	var m WorkMsg
	var cmdLen, nfiles int64
	if len(l.Fields) != 5 {
		return m, fmt.Errorf("malformed work line")
	}
	if _, err := fmt.Sscanf(l.Fields[1], "%d", &m.TaskID); err != nil {
		return m, fmt.Errorf("malformed work task id: %w", err)
	}
	if _, err := fmt.Sscanf(l.Fields[2], "%d", &m.Attempt); err != nil {
		return m, fmt.Errorf("malformed work attempt: %w", err)
	}
	if _, err := fmt.Sscanf(l.Fields[3], "%d", &cmdLen); err != nil {
		return m, fmt.Errorf("malformed work command length: %w", err)
	}
	if _, err := fmt.Sscanf(l.Fields[4], "%d", &nfiles); err != nil {
		return m, fmt.Errorf("malformed work file count: %w", err)
	}

	cmd, err := c.ReadBinary(cmdLen)
	if err != nil {
		return m, err
	}
	m.CommandLine = string(cmd)

	m.Files = make([]FileTransfer, 0, nfiles)
	for i := int64(0); i < nfiles; i++ {
		fl, err := ReadLine(c)
		if err != nil {
			return m, err
		}
		if fl.Verb != "file" || len(fl.Fields) != 5 {
			return m, fmt.Errorf("malformed work file header")
		}
		var flen int64
		if _, err := fmt.Sscanf(fl.Fields[4], "%d", &flen); err != nil {
			return m, fmt.Errorf("malformed work file length: %w", err)
		}
		ft := FileTransfer{
			Direction:   types.Direction(fl.Fields[1]),
			RemoteName:  fl.Fields[2],
			CachePolicy: types.CachePolicy(fl.Fields[3]),
		}
		if flen > 0 {
			data, err := c.ReadBinary(flen)
			if err != nil {
				return m, err
			}
			ft.Data = data
		}
		m.Files = append(m.Files, ft)
	}
	return m, nil
}

// ResultMsg reports a finished task attempt back to the queue,
// carrying captured stdout and any produced output files.
type ResultMsg struct {
	TaskID       int64
	Attempt      int
	ReturnStatus int
	Result       types.Result
	Output       []byte
	Outputs      []FileTransfer
}

func WriteResult(c *transport.Conn, m ResultMsg) error {
	header := fmt.Sprintf("%s %d %d %d %s %d %d", VerbResult, m.TaskID, m.Attempt, m.ReturnStatus, m.Result, len(m.Output), len(m.Outputs))
	if err := c.WriteLine(header); err != nil {
		return err
	}
	if err := c.WriteBinary(m.Output); err != nil {
		return err
	}
	for _, f := range m.Outputs {
		if err := c.WriteLine(fmt.Sprintf("outfile %s %d", f.RemoteName, len(f.Data))); err != nil {
			return err
		}
		if err := c.WriteBinary(f.Data); err != nil {
			return err
		}
	}
	return nil
}

func ReadResultBody(c *transport.Conn, l Line) (ResultMsg, error) {
	var m ResultMsg
	var outLen, noutputs int64
	if len(l.Fields) != 7 {
		return m, fmt.Errorf("malformed result line")
	}
	if _, err := fmt.Sscanf(l.Fields[1], "%d", &m.TaskID); err != nil {
		return m, fmt.Errorf("malformed result task id: %w", err)
	}
	if _, err := fmt.Sscanf(l.Fields[2], "%d", &m.Attempt); err != nil {
		return m, fmt.Errorf("malformed result attempt: %w", err)
	}
	if _, err := fmt.Sscanf(l.Fields[3], "%d", &m.ReturnStatus); err != nil {
		return m, fmt.Errorf("malformed result return status: %w", err)
	}
	m.Result = types.Result(l.Fields[4])
	if _, err := fmt.Sscanf(l.Fields[5], "%d", &outLen); err != nil {
		return m, fmt.Errorf("malformed result output length: %w", err)
	}
	if _, err := fmt.Sscanf(l.Fields[6], "%d", &noutputs); err != nil {
		return m, fmt.Errorf("malformed result output count: %w", err)
	}

	out, err := c.ReadBinary(outLen)
	if err != nil {
		return m, err
	}
	m.Output = out

	m.Outputs = make([]FileTransfer, 0, noutputs)
	for i := int64(0); i < noutputs; i++ {
		fl, err := ReadLine(c)
		if err != nil {
			return m, err
		}
		if fl.Verb != "outfile" || len(fl.Fields) != 3 {
			return m, fmt.Errorf("malformed result outfile header")
		}
		var flen int64
		if _, err := fmt.Sscanf(fl.Fields[2], "%d", &flen); err != nil {
			return m, fmt.Errorf("malformed result outfile length: %w", err)
		}
		data, err := c.ReadBinary(flen)
		if err != nil {
			return m, err
		}
		m.Outputs = append(m.Outputs, FileTransfer{RemoteName: fl.Fields[1], Data: data})
	}
	return m, nil
}

// GetMsg asks a worker to send back one resident file (used to
// migrate a cached file, or to recover an output after a dropped
// result message).
type GetMsg struct {
	RemoteName string
}

func WriteGet(c *transport.Conn, m GetMsg) error {
	return c.WriteLine(fmt.Sprintf("%s %s", VerbGet, m.RemoteName))
}

func ReadGetBody(l Line) (GetMsg, error) {
	if len(l.Fields) != 2 {
		return GetMsg{}, fmt.Errorf("malformed get line")
	}
	return GetMsg{RemoteName: l.Fields[1]}, nil
}

// KillMsg aborts a task in progress (fast-abort or explicit cancel).
type KillMsg struct {
	TaskID int64
}

func WriteKill(c *transport.Conn, m KillMsg) error {
	return c.WriteLine(fmt.Sprintf("%s %d", VerbKill, m.TaskID))
}

func ReadKillBody(l Line) (KillMsg, error) {
	var m KillMsg
	if len(l.Fields) != 2 {
		return m, fmt.Errorf("malformed kill line")
	}
	if _, err := fmt.Sscanf(l.Fields[1], "%d", &m.TaskID); err != nil {
		return m, fmt.Errorf("malformed kill task id: %w", err)
	}
	return m, nil
}

// WriteExit tells a worker to disconnect and exit cleanly.
func WriteExit(c *transport.Conn) error {
	return c.WriteLine(VerbExit)
}

// WritePing/WritePong implement the keepalive heartbeat exchange.
func WritePing(c *transport.Conn) error {
	return c.WriteLine(VerbPing)
}

func WritePong(c *transport.Conn) error {
	return c.WriteLine(VerbPong)
}
