// Package resourcemonitor samples a process tree's resource usage at a
// caller-chosen interval and summarizes the result: peaks, means, and
// coarse histograms for memory, CPU, and I/O.
package resourcemonitor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cctools-go/workqueue/pkg/log"
)

// Sample is one snapshot of the monitored process tree.
type Sample struct {
	Time          time.Time
	ResidentBytes int64
	VirtualBytes  int64
	CPUTimeUser   time.Duration
	CPUTimeSystem time.Duration
	OpenFiles     int64
	BytesRead     int64
	BytesWritten  int64
	WorkdirBytes  int64
}

// Summary is the final report produced by Monitor.Stop.
type Summary struct {
	NumSamples     int
	WallTime       time.Duration
	PeakResident   int64
	PeakVirtual    int64
	TotalCPUTime   time.Duration
	PeakBytesRead  int64
	PeakBytesWrite int64
	PeakWorkdir    int64
	MeanResident   float64
	MemoryHisto    *LogHistogram
	CPUHisto       *LogHistogram
	IOHisto        *LogHistogram
}

// Monitor samples a root pid and every descendant it can discover by
// walking /proc, at Interval, until Stop is called.
type Monitor struct {
	RootPID  int
	Workdir  string
	Interval time.Duration

	logger zerolog.Logger

	samples []Sample
	walk    *diskWalkState
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Monitor for rootPID, sampling every interval. If
// workdir is non-empty its disk usage is included in each sample via a
// bounded-time, resumable walk (see walkWorkdir).
func New(rootPID int, workdir string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		RootPID:  rootPID,
		Workdir:  workdir,
		Interval: interval,
		logger:   log.WithComponent("resourcemonitor"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sampling in a background goroutine.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			s, err := m.sampleOnce()
			if err != nil {
				m.logger.Debug().Err(err).Msg("sample failed")
				continue
			}
			m.samples = append(m.samples, s)
		}
	}
}

func (m *Monitor) sampleOnce() (Sample, error) {
	pids, err := descendantsOf(m.RootPID)
	if err != nil {
		return Sample{}, err
	}

	s := Sample{Time: timeNow()}
	for _, pid := range pids {
		st, err := readProcStat(pid)
		if err != nil {
			continue
		}
		s.ResidentBytes += st.rssBytes
		s.VirtualBytes += st.vszBytes
		s.CPUTimeUser += st.utime
		s.CPUTimeSystem += st.stime
		s.OpenFiles += countOpenFiles(pid)
		if procIO, err := os.ReadFile(fmt.Sprintf("/proc/%d/io", pid)); err == nil {
			for _, line := range strings.Split(string(procIO), "\n") {
				var v int64
				if _, err := fmt.Sscanf(line, "read_bytes: %d", &v); err == nil {
					s.BytesRead += v
				} else if _, err := fmt.Sscanf(line, "write_bytes: %d", &v); err == nil {
					s.BytesWritten += v
				}
			}
		}
	}

	if m.Workdir != "" {
		size, _, err := m.walkWorkdir(2 * time.Second)
		if err == nil {
			s.WorkdirBytes = size
		}
	}
	return s, nil
}

// Stop halts sampling and returns the final summary.
func (m *Monitor) Stop() Summary {
	close(m.stop)
	<-m.done
	return summarize(m.samples)
}

func summarize(samples []Sample) Summary {
	sum := Summary{
		NumSamples:  len(samples),
		MemoryHisto: NewLogHistogram(1 << 20),
		CPUHisto:    NewLogHistogram(1),
		IOHisto:     NewLogHistogram(1 << 10),
	}
	if len(samples) == 0 {
		return sum
	}

	var totalResident int64
	first, last := samples[0].Time, samples[0].Time
	for _, s := range samples {
		if s.Time.Before(first) {
			first = s.Time
		}
		if s.Time.After(last) {
			last = s.Time
		}
		if s.ResidentBytes > sum.PeakResident {
			sum.PeakResident = s.ResidentBytes
		}
		if s.VirtualBytes > sum.PeakVirtual {
			sum.PeakVirtual = s.VirtualBytes
		}
		if cpu := s.CPUTimeUser + s.CPUTimeSystem; cpu > sum.TotalCPUTime {
			sum.TotalCPUTime = cpu
		}
		if s.BytesRead > sum.PeakBytesRead {
			sum.PeakBytesRead = s.BytesRead
		}
		if s.BytesWritten > sum.PeakBytesWrite {
			sum.PeakBytesWrite = s.BytesWritten
		}
		if s.WorkdirBytes > sum.PeakWorkdir {
			sum.PeakWorkdir = s.WorkdirBytes
		}
		totalResident += s.ResidentBytes

		sum.MemoryHisto.Observe(float64(s.ResidentBytes))
		sum.CPUHisto.Observe((s.CPUTimeUser + s.CPUTimeSystem).Seconds())
		sum.IOHisto.Observe(float64(s.BytesRead + s.BytesWritten))
	}
	sum.WallTime = last.Sub(first)
	sum.MeanResident = float64(totalResident) / float64(len(samples))
	return sum
}

type procStat struct {
	rssBytes int64
	vszBytes int64
	utime    time.Duration
	stime    time.Duration
}

// readProcStat parses /proc/<pid>/stat for the fields this sampler
// cares about. Field layout: see proc(5) — fields are 1-indexed in the
// man page; utime/stime are fields 14/15, vsize is 23, rss (pages) is
// 24. Clock ticks are converted using the usual 100 Hz assumption,
// matching the teacher's choice not to special-case sysconf(_SC_CLK_TCK).
func readProcStat(pid int) (procStat, error) {
	const clockTicksPerSec = 100
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	// comm field may contain spaces and parens; skip to after the last ')'.
	line := string(data)
	idx := strings.LastIndexByte(line, ')')
	if idx < 0 {
		return procStat{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(line[idx+1:])
	// fields[0] is state (field 3); utime is field 14 -> fields[11].
	if len(fields) < 21 {
		return procStat{}, fmt.Errorf("short stat for pid %d", pid)
	}
	utimeTicks, _ := strconv.ParseInt(fields[11], 10, 64)
	stimeTicks, _ := strconv.ParseInt(fields[12], 10, 64)
	vsize, _ := strconv.ParseInt(fields[20], 10, 64)

	var rssPages int64
	if len(fields) >= 22 {
		rssPages, _ = strconv.ParseInt(fields[21], 10, 64)
	}

	return procStat{
		rssBytes: rssPages * int64(os.Getpagesize()),
		vszBytes: vsize,
		utime:    time.Duration(utimeTicks) * time.Second / clockTicksPerSec,
		stime:    time.Duration(stimeTicks) * time.Second / clockTicksPerSec,
	}, nil
}

func countOpenFiles(pid int) int64 {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0
	}
	return int64(len(entries))
}

// descendantsOf walks /proc to find rootPID and every process whose
// PPid chain reaches it, without relying on a process-group signal.
func descendantsOf(rootPID int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	ppid := make(map[int]int)
	var all []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		all = append(all, pid)
		ppid[pid] = readPPid(pid)
	}

	isDescendant := make(map[int]bool)
	isDescendant[rootPID] = true
	// Fixed-point iteration: repeat until no new descendant is added.
	// /proc has no fixed depth bound, so this is safer than a single pass.
	for changed := true; changed; {
		changed = false
		for _, pid := range all {
			if isDescendant[pid] {
				continue
			}
			if p, ok := ppid[pid]; ok && isDescendant[p] {
				isDescendant[pid] = true
				changed = true
			}
		}
	}

	var result []int
	for pid := range isDescendant {
		result = append(result, pid)
	}
	return result, nil
}

func readPPid(pid int) int {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return -1
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "PPid:") {
			fields := strings.Fields(line)
			if len(fields) == 2 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					return v
				}
			}
		}
	}
	return -1
}

var timeNow = time.Now
