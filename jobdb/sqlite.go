package jobdb

import (
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// sqliteDB keeps the job table in a sqlite file. Every Upsert commits, so
// Snapshot only has to checkpoint the WAL. Suitable for runs where the
// JSONL file would grow too large to replay comfortably.
type sqliteDB struct {
	mu sync.Mutex
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_records (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL UNIQUE,
	job_name     TEXT NOT NULL,
	task_index   INTEGER NOT NULL,
	state        INTEGER NOT NULL,
	fail_count   INTEGER NOT NULL,
	node         TEXT NOT NULL DEFAULT '',
	submitted_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_records_task ON job_records(task_index);
`

// OpenSqlite opens (or creates) a sqlite-backed job database.
func OpenSqlite(path string) (*sqliteDB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite job database %s", path)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(err, "pinging sqlite job database %s", path)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, errors.Wrap(err, "initializing job_records schema")
	}
	return &sqliteDB{db: db}, nil
}

func (s *sqliteDB) Upsert(rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev int
	err := s.db.QueryRow(`SELECT state FROM job_records WHERE job_id = ?`, string(rec.JobID)).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
		// first record for this job
	case err != nil:
		return errors.Wrapf(err, "reading record for job %s", rec.JobID)
	default:
		if !ValidTransition(State(prev), rec.State) {
			return errors.Wrapf(ErrInvalidTransition, "job %s: %v -> %v", rec.JobID, State(prev), rec.State)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO job_records (job_id, job_name, task_index, state, fail_count, node, submitted_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			job_name = excluded.job_name,
			state = excluded.state,
			fail_count = excluded.fail_count,
			node = excluded.node,
			last_seen_at = excluded.last_seen_at`,
		string(rec.JobID), rec.JobName, rec.TaskIndex, int(rec.State), rec.FailCount,
		rec.Node, rec.SubmittedAt.UnixNano(), rec.LastSeenAt.UnixNano())
	return errors.Wrapf(err, "upserting record for job %s", rec.JobID)
}

func (s *sqliteDB) Get(id JobID) (JobRecord, bool) {
	rows, err := s.db.Query(
		`SELECT job_id, job_name, task_index, state, fail_count, node, submitted_at, last_seen_at
		 FROM job_records WHERE job_id = ?`, string(id))
	if err != nil {
		return JobRecord{}, false
	}
	defer rows.Close()
	recs := scanRecords(rows)
	if len(recs) == 0 {
		return JobRecord{}, false
	}
	return recs[0], true
}

func (s *sqliteDB) All() []JobRecord {
	rows, err := s.db.Query(
		`SELECT job_id, job_name, task_index, state, fail_count, node, submitted_at, last_seen_at
		 FROM job_records ORDER BY seq`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteDB) ActiveForTask(taskIndex int) []JobRecord {
	rows, err := s.db.Query(
		`SELECT job_id, job_name, task_index, state, fail_count, node, submitted_at, last_seen_at
		 FROM job_records WHERE task_index = ? AND state < ? ORDER BY seq`,
		taskIndex, int(Done))
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteDB) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func (s *sqliteDB) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) []JobRecord {
	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var id string
		var state int
		var submitted, seen int64
		if err := rows.Scan(&id, &rec.JobName, &rec.TaskIndex, &state, &rec.FailCount, &rec.Node, &submitted, &seen); err != nil {
			continue
		}
		rec.JobID = JobID(id)
		rec.State = State(state)
		rec.SubmittedAt = time.Unix(0, submitted)
		rec.LastSeenAt = time.Unix(0, seen)
		out = append(out, rec)
	}
	return out
}
