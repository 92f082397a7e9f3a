// Package journal implements the append-only hash-chained event log that
// every core component records into. One JSON record per line; each record
// carries the SHA-256 of the previous record so local ordering is
// witnessed. The journal owns crash recovery, an advisory PID lockfile,
// a per-session read index, compaction, and payload redaction.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Recovery modes for Open.
const (
	RecoveryTruncate = "truncate"
	RecoveryStrict   = "strict"
)

var (
	// ErrIntegrityViolation is returned by Open in strict mode when the
	// hash chain or seq sequence does not verify.
	ErrIntegrityViolation = errors.New("journal: integrity violation")

	// ErrLocked is returned by Open when another live process holds the
	// journal lockfile.
	ErrLocked = errors.New("journal: locked by another process")
)

// Event is one journal record. Immutable once emitted.
type Event struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	HashPrev  string         `json:"hash_prev,omitempty"`
}

// Options configures Open.
type Options struct {
	Path               string
	Fsync              bool   // fsync after every append
	Lock               bool   // acquire the advisory PID lockfile
	Redact             bool   // scrub sensitive payload fields before persisting
	Recovery           string // RecoveryTruncate (default) or RecoveryStrict
	MaxSessionsIndexed int    // LRU cap on the in-memory session index (default 10000)
}

// Subscriber receives events in emit order. A panicking subscriber never
// aborts the emit; the panic is logged and delivery continues.
type Subscriber func(*Event)

// Journal is the append-only log. Safe for concurrent use; writes are
// serialized on an internal mutex.
type Journal struct {
	mu   sync.Mutex
	opts Options

	file     *os.File
	lockPath string

	nextSeq  int64
	lastHash string // SHA-256 hex of the last persisted line

	sessions *lru.Cache[string, []*Event]

	subMu sync.RWMutex
	subs  map[int]Subscriber
	subID int

	logger *log.Logger
}

// Open initialises the journal at opts.Path, acquiring the lockfile and
// running recovery. In truncate mode a corrupt suffix is trimmed and the
// file atomically rewritten; in strict mode corruption fails Open with
// ErrIntegrityViolation.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	if opts.Recovery == "" {
		opts.Recovery = RecoveryTruncate
	}
	if opts.MaxSessionsIndexed <= 0 {
		opts.MaxSessionsIndexed = 10_000
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	sessions, err := lru.New[string, []*Event](opts.MaxSessionsIndexed)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		opts:     opts,
		lockPath: opts.Path + ".lock",
		sessions: sessions,
		subs:     make(map[int]Subscriber),
		logger:   log.New(log.Writer(), "[JOURNAL] ", log.LstdFlags),
	}

	if opts.Lock {
		if err := j.acquireLock(); err != nil {
			return nil, err
		}
	}

	if err := j.recover(); err != nil {
		j.releaseLock()
		return nil, err
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		j.releaseLock()
		return nil, fmt.Errorf("journal: open for append: %w", err)
	}
	j.file = f

	return j, nil
}

// Emit appends one event and fans it out to subscribers. Returns the
// persisted event or an error when the append fails (e.g. disk full).
func (j *Journal) Emit(sessionID, eventType string, payload map[string]any) (*Event, error) {
	if j.opts.Redact {
		payload = Redact(payload)
	}

	j.mu.Lock()
	ev := &Event{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Seq:       j.nextSeq,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
		HashPrev:  j.lastHash,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		j.mu.Unlock()
		return nil, fmt.Errorf("journal: marshal event: %w", err)
	}

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		j.mu.Unlock()
		return nil, fmt.Errorf("journal: append: %w", err)
	}
	if j.opts.Fsync {
		if err := j.file.Sync(); err != nil {
			j.mu.Unlock()
			return nil, fmt.Errorf("journal: fsync: %w", err)
		}
	}

	j.nextSeq++
	j.lastHash = hashLine(line)
	j.indexLocked(ev)
	j.mu.Unlock()

	j.notify(ev)
	return ev, nil
}

// TryEmit is Emit for non-essential events: append failures are logged
// and swallowed. Returns false when the event was dropped.
func (j *Journal) TryEmit(sessionID, eventType string, payload map[string]any) bool {
	if _, err := j.Emit(sessionID, eventType, payload); err != nil {
		j.logger.Printf("dropped event %s: %v", eventType, err)
		return false
	}
	return true
}

// Subscribe registers a subscriber for all future events. The returned
// function unsubscribes.
func (j *Journal) Subscribe(fn Subscriber) (unsubscribe func()) {
	j.subMu.Lock()
	id := j.subID
	j.subID++
	j.subs[id] = fn
	j.subMu.Unlock()

	return func() {
		j.subMu.Lock()
		delete(j.subs, id)
		j.subMu.Unlock()
	}
}

func (j *Journal) notify(ev *Event) {
	j.subMu.RLock()
	defer j.subMu.RUnlock()

	for _, fn := range j.subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					j.logger.Printf("subscriber panic on %s: %v", ev.Type, r)
				}
			}()
			fn(ev)
		}()
	}
}

// ReadSession returns the events of one session in emission order,
// filtered through the in-memory session index. Offset/limit paginate;
// limit <= 0 means no limit.
func (j *Journal) ReadSession(sessionID string, offset, limit int) ([]*Event, error) {
	j.mu.Lock()
	events, ok := j.sessions.Get(sessionID)
	j.mu.Unlock()

	if !ok {
		// Evicted from the index (or never indexed): rebuild from disk.
		events = nil
		err := j.ReadAllStream(func(ev *Event) error {
			if ev.SessionID == sessionID {
				events = append(events, ev)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		j.mu.Lock()
		j.sessions.Add(sessionID, events)
		j.mu.Unlock()
	}

	if offset >= len(events) {
		return nil, nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}

// ReadAllStream scans the journal lazily, invoking fn per event in file
// order. fn returning an error stops the scan and surfaces the error.
func (j *Journal) ReadAllStream(fn func(*Event) error) error {
	f, err := os.Open(j.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Trailing partial line from a crash mid-append.
			break
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Compact atomically rewrites the journal keeping only the events of
// retainSessions (nil retains everything), renumbering seq from zero and
// recomputing the hash chain so the retained subset still verifies.
func (j *Journal) Compact(retainSessions []string) error {
	retain := map[string]bool{}
	for _, s := range retainSessions {
		retain[s] = true
	}

	var kept []*Event
	err := j.ReadAllStream(func(ev *Event) error {
		if retainSessions == nil || retain[ev.SessionID] {
			kept = append(kept, ev)
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(j.opts.Path), ".journal-compact-*")
	if err != nil {
		return fmt.Errorf("journal: compact temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	prevHash := ""
	for i, ev := range kept {
		ev.Seq = int64(i)
		ev.HashPrev = prevHash
		line, err := json.Marshal(ev)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return err
		}
		prevHash = hashLine(line)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), j.opts.Path); err != nil {
		return fmt.Errorf("journal: compact rename: %w", err)
	}

	f, err := os.OpenFile(j.opts.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.nextSeq = int64(len(kept))
	j.lastHash = prevHash

	j.sessions.Purge()
	for _, ev := range kept {
		j.indexLocked(ev)
	}
	return nil
}

// Health reports whether the journal file is writable and how much disk
// the volume has used.
type Health struct {
	Writable       bool    `json:"writable"`
	DiskUsageRatio float64 `json:"disk_usage_ratio"`
	FileSizeBytes  int64   `json:"file_size_bytes"`
}

// HealthCheck probes the journal file and its volume.
func (j *Journal) HealthCheck() Health {
	h := Health{}

	j.mu.Lock()
	if j.file != nil {
		if info, err := j.file.Stat(); err == nil {
			h.FileSizeBytes = info.Size()
		}
		// A zero-byte write exercises the descriptor without mutating the log.
		if _, err := j.file.Write(nil); err == nil {
			h.Writable = true
		}
	}
	j.mu.Unlock()

	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(j.opts.Path), &stat); err == nil && stat.Blocks > 0 {
		free := float64(stat.Bavail)
		total := float64(stat.Blocks)
		h.DiskUsageRatio = 1 - free/total
	}
	return h
}

// Close releases the lockfile and file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	if j.file != nil {
		err = j.file.Close()
		j.file = nil
	}
	j.releaseLock()
	return err
}

// NextSeq returns the seq the next emit will receive.
func (j *Journal) NextSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

func (j *Journal) indexLocked(ev *Event) {
	events, _ := j.sessions.Get(ev.SessionID)
	j.sessions.Add(ev.SessionID, append(events, ev))
}

// recover scans the file, validating the seq sequence and hash chain.
// The first record that fails validation ends the valid prefix.
func (j *Journal) recover() error {
	f, err := os.Open(j.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var (
		validLines [][]byte
		validEvts  []*Event
		prevHash   string
		corrupt    bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			corrupt = true // partial last line, or garbage
			break
		}
		if ev.Seq != int64(len(validLines)) || ev.HashPrev != prevHash {
			corrupt = true
			break
		}

		prevHash = hashLine(line)
		validLines = append(validLines, line)
		validEvts = append(validEvts, &ev)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if corrupt {
		if j.opts.Recovery == RecoveryStrict {
			return fmt.Errorf("%w: invalid record at seq %d", ErrIntegrityViolation, len(validLines))
		}
		j.logger.Printf("truncating corrupt suffix at seq %d", len(validLines))
		if err := j.rewrite(validLines); err != nil {
			return err
		}
	}

	j.nextSeq = int64(len(validLines))
	j.lastHash = prevHash
	for _, ev := range validEvts {
		j.indexLocked(ev)
	}
	return nil
}

// rewrite atomically replaces the journal file with the given lines.
func (j *Journal) rewrite(lines [][]byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(j.opts.Path), ".journal-recover-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), j.opts.Path)
}

func hashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// Verify re-scans the file and reports whether the full chain validates.
func Verify(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	prevHash := ""
	seq := int64(0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return false, nil
		}
		if ev.Seq != seq || ev.HashPrev != prevHash {
			return false, nil
		}
		prevHash = hashLine(line)
		seq++
	}
	return scanner.Err() == nil, scanner.Err()
}
