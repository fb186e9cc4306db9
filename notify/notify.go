// Package notify publishes job record transitions to NATS so external
// tooling (dashboards, autoscalers) can follow a run without polling the
// database. Publishing is strictly fire-and-forget: a broker outage never
// stalls the controller.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/jobdb"
)

// Event is one job record transition on the wire.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	TaskIndex int       `json:"task_index"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Node      string    `json:"node,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher forwards transitions to NATS. A nil Publisher is a valid no-op,
// so callers can wire it unconditionally.
type Publisher struct {
	nc    *nats.Conn
	runID string
}

// Connect dials the broker. Reconnects are unbounded: a run outlives most
// broker restarts.
func Connect(url, runID string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to nats at %s", url)
	}
	return &Publisher{nc: nc, runID: runID}, nil
}

// JobTransition implements the run manager's transition listener.
func (p *Publisher) JobTransition(rec jobdb.JobRecord, prev jobdb.State) {
	if p == nil || p.nc == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		RunID:     p.runID,
		JobID:     string(rec.JobID),
		JobName:   rec.JobName,
		TaskIndex: rec.TaskIndex,
		From:      prev.String(),
		To:        rec.State.String(),
		Node:      rec.Node,
		At:        time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warnf("Couldn't marshal transition event for job %s: %v", rec.JobID, err)
		return
	}
	if err := p.nc.Publish(SubjectFor(rec.State), data); err != nil {
		log.Warnf("Couldn't publish transition for job %s: %v", rec.JobID, err)
	}
}

// Close drains buffered publishes before disconnecting.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Warnf("Couldn't drain nats connection: %v", err)
	}
}

// SubjectFor maps a record state onto its subject, e.g. "runman.jobs.running".
func SubjectFor(s jobdb.State) string {
	return fmt.Sprintf("runman.jobs.%s", strings.ToLower(s.String()))
}
