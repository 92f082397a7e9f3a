// Package checkpoint persists mid-task execution snapshots so work can
// resume after a peer drops or the process restarts. Each task keeps a
// bounded FIFO of its most recent checkpoints on disk.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/core"
)

// MaxPerTask bounds how many checkpoints a single task retains; older
// ones roll off FIFO.
const MaxPerTask = 10

// Recorder is the journal surface checkpoint_saved events go to.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Serializer stores per-task checkpoint FIFOs backed by a JSONL file.
// Safe for concurrent use.
type Serializer struct {
	mu    sync.Mutex
	path  string
	tasks map[string][]core.TaskCheckpoint

	recorder Recorder
	logger   *log.Logger
}

// New opens (or creates) the checkpoint store under dir and reloads any
// persisted checkpoints. recorder may be nil.
func New(dir string, recorder Recorder) (*Serializer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	s := &Serializer{
		path:     filepath.Join(dir, "checkpoints.jsonl"),
		tasks:    make(map[string][]core.TaskCheckpoint),
		recorder: recorder,
		logger:   log.New(log.Writer(), "[CHECKPOINT] ", log.LstdFlags),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save assigns the checkpoint an ID and timestamp if missing, appends it
// to the task's FIFO (evicting the oldest past the cap), persists it,
// and journals checkpoint_saved.
func (s *Serializer) Save(cp core.TaskCheckpoint) (core.TaskCheckpoint, error) {
	if cp.TaskID == "" {
		return core.TaskCheckpoint{}, fmt.Errorf("checkpoint missing task_id")
	}
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fifo := append(s.tasks[cp.TaskID], cp)
	evicted := false
	if len(fifo) > MaxPerTask {
		fifo = fifo[len(fifo)-MaxPerTask:]
		evicted = true
	}
	s.tasks[cp.TaskID] = fifo

	if err := s.appendLine(cp); err != nil {
		return core.TaskCheckpoint{}, err
	}
	if evicted {
		// The in-memory FIFO already rolled; rewrite so the file does not
		// grow unbounded with evicted entries.
		if err := s.rewriteLocked(); err != nil {
			s.logger.Printf("compaction after eviction failed: %v", err)
		}
	}

	if s.recorder != nil {
		s.recorder.TryEmit("checkpoint", "checkpoint_saved", map[string]any{
			"checkpoint_id": cp.CheckpointID,
			"task_id":       cp.TaskID,
			"peer_node_id":  cp.PeerNodeID,
			"tokens_used":   cp.TokensUsed,
			"cost_usd":      cp.CostUSD,
		})
	}
	return cp, nil
}

// Latest returns the most recent checkpoint for the task.
func (s *Serializer) Latest(taskID string) (core.TaskCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fifo := s.tasks[taskID]
	if len(fifo) == 0 {
		return core.TaskCheckpoint{}, false
	}
	return fifo[len(fifo)-1], true
}

// List returns the task's checkpoints oldest first.
func (s *Serializer) List(taskID string) []core.TaskCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	fifo := s.tasks[taskID]
	out := make([]core.TaskCheckpoint, len(fifo))
	copy(out, fifo)
	return out
}

// CanResume reports whether at least one checkpoint exists for the task.
func (s *Serializer) CanResume(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[taskID]) > 0
}

// Drop discards all checkpoints for a finished task.
func (s *Serializer) Drop(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil
	}
	delete(s.tasks, taskID)
	return s.rewriteLocked()
}

func (s *Serializer) reload() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	loaded := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cp core.TaskCheckpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			// A torn trailing write; everything before it is intact.
			break
		}
		fifo := append(s.tasks[cp.TaskID], cp)
		if len(fifo) > MaxPerTask {
			fifo = fifo[len(fifo)-MaxPerTask:]
		}
		s.tasks[cp.TaskID] = fifo
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan checkpoint store: %w", err)
	}
	if loaded > 0 {
		s.logger.Printf("reloaded %d checkpoints across %d tasks", loaded, len(s.tasks))
	}
	return nil
}

func (s *Serializer) appendLine(cp core.TaskCheckpoint) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// rewriteLocked rewrites the store from memory via temp file + rename.
// Caller holds s.mu.
func (s *Serializer) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp checkpoint store: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, fifo := range s.tasks {
		for _, cp := range fifo {
			data, err := json.Marshal(cp)
			if err != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("marshal checkpoint: %w", err)
			}
			w.Write(data)
			w.WriteByte('\n')
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush temp checkpoint store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp checkpoint store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
