package resourcemonitor

import (
	"fmt"

	"github.com/lufia/iostat"
)

// VolumeIOSample is a snapshot of one drive's cumulative read/write
// counters, as reported by the host's block-device statistics rather
// than attributed to a single process.
type VolumeIOSample struct {
	Name       string
	ReadBytes  int64
	WriteBytes int64
}

// SampleVolumeIO reads the current cumulative I/O counters for every
// drive the host exposes. Unlike Sample (which attributes bytes
// read/written to a monitored process tree via /proc), this samples
// the whole mount, for drivers that want an aggregate "avg-transfer"
// figure without tracking per-process counters.
func SampleVolumeIO() ([]VolumeIOSample, error) {
	stats, err := iostat.ReadDriveStats()
	if err != nil {
		return nil, fmt.Errorf("resourcemonitor: reading drive stats: %w", err)
	}
	out := make([]VolumeIOSample, 0, len(stats))
	for _, s := range stats {
		out = append(out, VolumeIOSample{
			Name:       s.Name,
			ReadBytes:  s.ReadBytes,
			WriteBytes: s.WriteBytes,
		})
	}
	return out, nil
}

// VolumeIODelta computes the byte counters accumulated between two
// samples of the same drive name, handling a counter reset (e.g. after
// a reboot) by treating a decrease as "no data for this interval"
// rather than reporting a nonsensical negative delta.
func VolumeIODelta(prev, cur VolumeIOSample) (readDelta, writeDelta int64) {
	if cur.ReadBytes >= prev.ReadBytes {
		readDelta = cur.ReadBytes - prev.ReadBytes
	}
	if cur.WriteBytes >= prev.WriteBytes {
		writeDelta = cur.WriteBytes - prev.WriteBytes
	}
	return readDelta, writeDelta
}
