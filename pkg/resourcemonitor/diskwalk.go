package resourcemonitor

import (
	"os"
	"path/filepath"
	"time"
)

// diskWalkState is the resumable state of a bounded-time directory
// walk: a stack of directories not yet fully read, plus the running
// totals accumulated so far. A walk that hits its time budget returns
// early with the best-so-far totals and leaves state in place so the
// next call continues where it left off.
type diskWalkState struct {
	root     string
	pending  []string // directories still to be read, stack order
	size     int64
	count    int64
	complete bool

	lastCompleteSize  int64
	lastCompleteCount int64
}

// walkWorkdir measures m.Workdir's disk usage, resuming any prior
// partial walk and spending at most budget before returning. The
// reported size is conservative: it never drops below the size
// reported by a previously completed walk, per the invariant that the
// reported size is never smaller than the true size at some prior
// instant in the sampling window.
func (m *Monitor) walkWorkdir(budget time.Duration) (size int64, count int64, err error) {
	if m.walk == nil {
		m.walk = &diskWalkState{root: m.Workdir}
	}
	s := m.walk

	if s.pending == nil && !s.complete {
		if _, statErr := os.Stat(s.root); statErr != nil {
			return s.lastCompleteSize, s.lastCompleteCount, statErr
		}
		s.pending = []string{s.root}
		s.size = 0
		s.count = 1
		s.complete = false
	} else if s.complete {
		// Start a fresh measurement; the last complete figures remain
		// as the floor until this one finishes.
		s.pending = []string{s.root}
		s.size = 0
		s.count = 1
		s.complete = false
	}

	deadline := time.Now().Add(budget)

	for len(s.pending) > 0 {
		dir := s.pending[len(s.pending)-1]
		s.pending = s.pending[:len(s.pending)-1]

		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			continue
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			info, infoErr := e.Info()
			if infoErr != nil {
				continue
			}
			s.count++
			switch {
			case info.Mode()&os.ModeSymlink != 0:
				// never follow: avoids loops, matches the C walker.
			case info.IsDir():
				s.pending = append(s.pending, path)
			default:
				s.size += info.Size()
			}

			if time.Now().After(deadline) {
				return m.bestSoFar(), m.bestCountSoFar(), nil
			}
		}
	}

	s.complete = true
	if s.size > s.lastCompleteSize {
		s.lastCompleteSize = s.size
	}
	if s.count > s.lastCompleteCount {
		s.lastCompleteCount = s.count
	}
	s.pending = nil
	return s.lastCompleteSize, s.lastCompleteCount, nil
}

func (m *Monitor) bestSoFar() int64 {
	s := m.walk
	if s.size > s.lastCompleteSize {
		return s.size
	}
	return s.lastCompleteSize
}

func (m *Monitor) bestCountSoFar() int64 {
	s := m.walk
	if s.count > s.lastCompleteCount {
		return s.count
	}
	return s.lastCompleteCount
}
