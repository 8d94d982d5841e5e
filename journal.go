package hearth

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Journal is the append-only write-ahead log. It provides durability
// for the window between acceptance of a record and the next day-file
// flush: every accepted record is written here before it touches the
// day cache, so after a crash the journal is authoritative.
type Journal struct {
	db        *DB
	path      string
	idleClose time.Duration
	retain    int
	log       zerolog.Logger

	mu            sync.Mutex
	file          *os.File
	w             *bufio.Writer
	idleTimer     *time.Timer
	rotatePending bool
	closed        bool
}

func newJournal(db *DB, path string, cfg JournalConfig, log zerolog.Logger) *Journal {
	return &Journal{
		db:        db,
		path:      path,
		idleClose: cfg.IdleClose,
		retain:    cfg.RetainSegments,
		log:       log,
	}
}

// Append validates and durably accepts a batch of records. Each record
// is validated independently: the first error is collected and returned
// while the remaining siblings keep being processed. Valid records are
// written to the journal before being ingested live into the day cache.
// The batch's lines are buffered and released together, so a crash
// cannot leave a partial line and per-record writes are batched.
func (j *Journal) Append(recs []*Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.stopIdleTimerLocked()
	j.openLocked()

	var firstErr error
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			j.log.Warn().Err(err).Msg("bad record received")
			recordsRejectedTotal.Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// Journal first: ingestion attaches derived state, and the
		// journal must hold the record if a crash lands between the
		// two steps.
		j.writeLineLocked(rec)
		_, _ = j.db.Ingest(rec, true)
	}

	j.flushLocked()
	j.startIdleTimerLocked()
	return firstErr
}

// Replay reads the journal line by line and ingests every valid record
// as live. Malformed lines are logged and skipped without aborting the
// scan, and re-running is safe: duplicate identities are no-ops in the
// day cache. Returns how many records were newly added and how many
// lines were skipped.
func (j *Journal) Replay() (added, skipped int) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			j.log.Info().Str("path", j.path).Msg("journal not found, skipping")
		} else {
			j.log.Error().Err(err).Str("path", j.path).Msg("journal read failed")
		}
		return 0, 0
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			j.log.Warn().Int("line", lineNum).Msg("journal JSON parse error")
			journalReplaySkipsTotal.Inc()
			skipped++
			continue
		}
		if err := rec.Validate(); err != nil {
			j.log.Warn().Int("line", lineNum).Err(err).Msg("journal bad record")
			journalReplaySkipsTotal.Inc()
			skipped++
			continue
		}
		if ok, _ := j.db.Ingest(&rec, true); ok {
			added++
		}
	}
	if err := scanner.Err(); err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal read failed")
	}
	j.log.Info().Int("lines", lineNum).Int("added", added).Int("skipped", skipped).
		Msg("journal read finished")
	return added, skipped
}

// RequestRotate rotates the retained journal segments. If the writer is
// currently open the rotation is deferred until the idle timer closes
// it: the buffered writer must never race a rename of its own file.
func (j *Journal) RequestRotate() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		j.rotatePending = true
		return
	}
	j.rotateLocked()
}

// Close flushes buffered writes and closes the journal for good. It is
// idempotent and safe to call from the idle timer path or shutdown.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopIdleTimerLocked()
	j.closeFileLocked()
	j.closed = true
	return nil
}

// openLocked opens the active log in append mode if it is not already
// open. An open failure is logged and leaves the journal detached: the
// batch is still ingested and the next append retries the open.
func (j *Journal) openLocked() {
	if j.file != nil {
		return
	}
	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal open failed")
		return
	}
	j.file = file
	j.w = bufio.NewWriter(file)
}

func (j *Journal) writeLineLocked(rec *Record) {
	if j.w == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		j.log.Error().Err(err).Msg("journal encode failed")
		return
	}
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal write failed")
		j.closeFileLocked()
	}
}

func (j *Journal) flushLocked() {
	if j.w == nil {
		return
	}
	if err := j.w.Flush(); err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal flush failed")
		j.closeFileLocked()
	}
}

func (j *Journal) closeFileLocked() {
	if j.file == nil {
		return
	}
	if j.w != nil {
		_ = j.w.Flush()
	}
	_ = j.file.Close()
	j.file = nil
	j.w = nil
}

func (j *Journal) stopIdleTimerLocked() {
	if j.idleTimer != nil {
		j.idleTimer.Stop()
		j.idleTimer = nil
	}
}

func (j *Journal) startIdleTimerLocked() {
	j.stopIdleTimerLocked()
	j.idleTimer = time.AfterFunc(j.idleClose, j.idleExpire)
}

// idleExpire closes the log handle after a quiet interval and performs
// any rotation that was deferred while the writer was open.
func (j *Journal) idleExpire() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.idleTimer = nil
	j.closeFileLocked()
	if j.rotatePending {
		j.rotatePending = false
		j.rotateLocked()
	}
}

// rotateLocked shifts retained segments .1 through .N, dropping the
// oldest, renames the active log to .1 and creates a fresh empty one.
// Callers must ensure the writer is closed.
func (j *Journal) rotateLocked() {
	_ = os.Remove(j.segmentPath(j.retain))
	for i := j.retain - 1; i >= 1; i-- {
		_ = os.Rename(j.segmentPath(i), j.segmentPath(i+1))
	}
	if err := os.Rename(j.path, j.segmentPath(1)); err != nil && !os.IsNotExist(err) {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal rotate failed")
		return
	}
	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		j.log.Error().Err(err).Str("path", j.path).Msg("journal create failed")
		return
	}
	_ = file.Close()
	journalRotationsTotal.Inc()
	j.log.Info().Str("path", j.path).Msg("journal rotated")
}

func (j *Journal) segmentPath(n int) string {
	return fmt.Sprintf("%s.%d", j.path, n)
}
