package agents

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MetricsSource produces the metrics document sent with each heartbeat.
type MetricsSource interface {
	Sample() (json.RawMessage, error)
}

// ProcSampler reads CPU and memory utilisation from procfs. CPU usage is
// the busy share since the previous sample; the first sample reports the
// average since boot.
type ProcSampler struct {
	Root string

	mu   sync.Mutex
	prev cpuTimes
}

type cpuTimes struct {
	idle, total uint64
}

type metricsDocument struct {
	CPU struct {
		Percent float64 `json:"percent"`
	} `json:"cpu"`
	Memory struct {
		Virtual struct {
			Percent float64 `json:"percent"`
			TotalKB uint64  `json:"total_kb"`
		} `json:"virtual"`
	} `json:"memory"`
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{Root: "/proc"}
}

func (s *ProcSampler) Sample() (json.RawMessage, error) {
	cur, err := readCPUTimes(filepath.Join(s.Root, "stat"))
	if err != nil {
		return nil, err
	}
	total, avail, err := readMemInfo(filepath.Join(s.Root, "meminfo"))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.prev
	s.prev = cur
	s.mu.Unlock()

	var doc metricsDocument
	if dt := cur.total - prev.total; dt > 0 && cur.total >= prev.total {
		busy := dt - (cur.idle - prev.idle)
		doc.CPU.Percent = round1(float64(busy) / float64(dt) * 100)
	}
	if total > 0 {
		doc.Memory.Virtual.Percent = round1(float64(total-avail) / float64(total) * 100)
		doc.Memory.Virtual.TotalKB = total
	}
	return json.Marshal(doc)
}

func readCPUTimes(path string) (cpuTimes, error) {
	f, err := os.Open(path)
	if err != nil {
		return cpuTimes{}, errors.Wrap(err, "open cpu stats")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		for i, v := range fields[1:] {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return cpuTimes{}, errors.Wrapf(err, "parse cpu field %d", i)
			}
			t.total += n
			// idle and iowait
			if i == 3 || i == 4 {
				t.idle += n
			}
		}
		return t, nil
	}
	if err := sc.Err(); err != nil {
		return cpuTimes{}, err
	}
	return cpuTimes{}, errors.New("no aggregate cpu line in stats")
}

func readMemInfo(path string) (total, avail uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "open meminfo")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		n, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = n
		case "MemAvailable:":
			avail = n
		}
	}
	if total == 0 {
		return 0, 0, errors.New("meminfo has no MemTotal")
	}
	if avail > total {
		avail = total
	}
	return total, avail, sc.Err()
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
