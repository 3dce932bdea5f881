// Package memory reports available system memory to the strategy selector.
package memory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Probe exposes the memory figures strategy selection needs.
type Probe interface {
	// AvailableMB returns memory that can be allocated without swapping.
	AvailableMB() int64
	// UsedPercent returns used memory as a percentage of total.
	UsedPercent() float64
}

// Fixed is a Probe with constant readings.
type Fixed struct {
	Available int64
	Used      float64
}

func (f Fixed) AvailableMB() int64    { return f.Available }
func (f Fixed) UsedPercent() float64 { return f.Used }

// DefaultMeminfoPath is where Linux publishes memory statistics.
const DefaultMeminfoPath = "/proc/meminfo"

// Meminfo reads /proc/meminfo on each call. When the file cannot be read it
// reports Fallback as available.
type Meminfo struct {
	Path     string
	Fallback int64
}

// NewMeminfo returns a probe for the host's /proc/meminfo.
func NewMeminfo(fallbackMB int64) *Meminfo {
	return &Meminfo{Path: DefaultMeminfoPath, Fallback: fallbackMB}
}

func (m *Meminfo) AvailableMB() int64 {
	st, err := m.read()
	if err != nil {
		return m.Fallback
	}
	return st.availableKB / 1024
}

func (m *Meminfo) UsedPercent() float64 {
	st, err := m.read()
	if err != nil || st.totalKB == 0 {
		return 0
	}
	return float64(st.totalKB-st.availableKB) * 100 / float64(st.totalKB)
}

type meminfo struct {
	totalKB     int64
	availableKB int64
}

func (m *Meminfo) read() (meminfo, error) {
	path := m.Path
	if path == "" {
		path = DefaultMeminfoPath
	}
	f, err := os.Open(path)
	if err != nil {
		return meminfo{}, err
	}
	defer f.Close()
	return parseMeminfo(f)
}

func parseMeminfo(r io.Reader) (meminfo, error) {
	var st meminfo
	var free, buffers, cached int64
	haveAvail := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			st.totalKB = v
		case "MemAvailable":
			st.availableKB = v
			haveAvail = true
		case "MemFree":
			free = v
		case "Buffers":
			buffers = v
		case "Cached":
			cached = v
		}
	}
	if err := sc.Err(); err != nil {
		return st, err
	}
	if st.totalKB == 0 {
		return st, fmt.Errorf("meminfo: MemTotal missing")
	}
	// kernels before 3.14 lack MemAvailable
	if !haveAvail {
		st.availableKB = free + buffers + cached
	}
	return st, nil
}
