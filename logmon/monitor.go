// Package logmon tails per-job log files and turns them into structured
// events: progress markers that feed task state, and error signals that make
// the run manager kill the offending job.
package logmon

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/jobdb"
)

type EventKind int

const (
	// A recognized progress marker; NPoints carries the parsed value.
	ProgressEvent EventKind = iota
	// The configured kill-on-error substring appeared in the log.
	ErrorSignalEvent
)

type Event struct {
	JobID   jobdb.JobID
	Kind    EventKind
	NPoints int
	Line    string
}

// progress marker convention written by run scripts
var progressRe = regexp.MustCompile(`npoints:\s*(\d+)`)

// ParseProgress extracts the npoints marker from a log line.
func ParseProgress(line string) (int, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Monitor creates Tails. killOnError is matched as a plain substring, per
// line; empty disables error signaling.
type Monitor struct {
	killOnError  string
	pollInterval time.Duration
}

func NewMonitor(killOnError string, pollInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Monitor{killOnError: killOnError, pollInterval: pollInterval}
}

// Tail is one job's lazy event stream. The Events channel is closed when the
// tail stops (context cancelled or Stop called).
type Tail struct {
	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *Tail) Events() <-chan Event { return t.events }

func (t *Tail) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Watch polls the given log file for new lines until stopped. The file not
// existing yet is normal: the job may still be queued.
func (m *Monitor) Watch(ctx context.Context, id jobdb.JobID, path string) *Tail {
	t := &Tail{
		events: make(chan Event, 16),
		stop:   make(chan struct{}),
	}
	go m.run(ctx, id, path, t)
	return t
}

func (m *Monitor) run(ctx context.Context, id jobdb.JobID, path string, t *Tail) {
	defer close(t.events)

	var offset int64
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
		}

		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Debugf("Log %s for job %s not readable: %v", path, id, err)
			}
			continue
		}

		// A shrunken file means the job restarted its log; start over.
		if fi, err := f.Stat(); err == nil && fi.Size() < offset {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			continue
		}

		reader := bufio.NewReader(f)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				// An unterminated trailing line is a write still in
				// progress; the offset stays put so the next poll reads
				// the whole line once it lands.
				if err != io.EOF {
					log.Warnf("Reading log %s for job %s: %v", path, id, err)
				}
				break
			}
			offset += int64(len(line))
			ev, ok := m.classify(id, strings.TrimSuffix(line, "\n"))
			if !ok {
				continue
			}
			select {
			case t.events <- ev:
			case <-t.stop:
				f.Close()
				return
			case <-ctx.Done():
				f.Close()
				return
			}
		}
		f.Close()
	}
}

// classify turns a log line into an event, or skips it. Unparsable lines are
// never an error.
func (m *Monitor) classify(id jobdb.JobID, line string) (Event, bool) {
	if m.killOnError != "" && strings.Contains(line, m.killOnError) {
		return Event{JobID: id, Kind: ErrorSignalEvent, Line: line}, true
	}
	if n, ok := ParseProgress(line); ok {
		return Event{JobID: id, Kind: ProgressEvent, NPoints: n, Line: line}, true
	}
	return Event{}, false
}
