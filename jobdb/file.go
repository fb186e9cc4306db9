package jobdb

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// fileDB stores one JSON record per line so the table stays human
// inspectable with standard tools. Writes are append-biased: every Upsert
// appends a full record and replay takes the last line per job id, so
// history survives a crash mid-run. Snapshot compacts the file down to the
// live set and fsyncs it.
type fileDB struct {
	mu      sync.RWMutex
	path    string
	f       *os.File
	records map[JobID]JobRecord
	order   []JobID
}

// OpenFile opens (or creates) a JSONL job database and replays its contents.
func OpenFile(path string) (*fileDB, error) {
	db := &fileDB{
		path:    path,
		records: make(map[JobID]JobRecord),
	}
	if err := db.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening job database %s", path)
	}
	db.f = f
	return db, nil
}

func (db *fileDB) replay() error {
	f, err := os.Open(db.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "replaying job database %s", db.path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec JobRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crash is expected; skip it.
			log.Warnf("Skipping unparsable job record line in %s: %v", db.path, err)
			continue
		}
		if _, seen := db.records[rec.JobID]; !seen {
			db.order = append(db.order, rec.JobID)
		}
		db.records[rec.JobID] = rec
	}
	return scanner.Err()
}

func (db *fileDB) Upsert(rec JobRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if prev, ok := db.records[rec.JobID]; ok {
		if !ValidTransition(prev.State, rec.State) {
			return errors.Wrapf(ErrInvalidTransition, "job %s: %v -> %v", rec.JobID, prev.State, rec.State)
		}
	} else {
		db.order = append(db.order, rec.JobID)
	}
	db.records[rec.JobID] = rec

	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "marshaling record for job %s", rec.JobID)
	}
	if _, err := db.f.Write(append(b, '\n')); err != nil {
		return errors.Wrapf(err, "appending record for job %s", rec.JobID)
	}
	return nil
}

func (db *fileDB) Get(id JobID) (JobRecord, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.records[id]
	return rec, ok
}

func (db *fileDB) All() []JobRecord {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]JobRecord, 0, len(db.order))
	for _, id := range db.order {
		out = append(out, db.records[id])
	}
	return out
}

func (db *fileDB) ActiveForTask(taskIndex int) []JobRecord {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []JobRecord
	for _, id := range db.order {
		rec := db.records[id]
		if rec.TaskIndex == taskIndex && !rec.State.IsTerminal() {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot rewrites the file with exactly one line per job and fsyncs.
// The append history is discarded; the live set is the recovery point.
func (db *fileDB) Snapshot() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tmp := db.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating snapshot %s", tmp)
	}
	w := bufio.NewWriter(f)
	for _, id := range db.order {
		b, err := json.Marshal(db.records[id])
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "marshaling record for job %s", id)
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := db.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, db.path); err != nil {
		return errors.Wrapf(err, "replacing %s with snapshot", db.path)
	}
	db.f, err = os.OpenFile(db.path, os.O_APPEND|os.O_WRONLY, 0644)
	return err
}

func (db *fileDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.f.Close()
}
