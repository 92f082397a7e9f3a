package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, opts Options) *Journal {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "journal.jsonl")
	}
	j, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestEmitChainsAndVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := openTestJournal(t, Options{Path: path, Lock: true})

	for i := 0; i < 5; i++ {
		ev, err := j.Emit("s1", "step_completed", map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Seq)
		if i == 0 {
			assert.Empty(t, ev.HashPrev)
		} else {
			assert.NotEmpty(t, ev.HashPrev)
		}
	}

	ok, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadSessionFiltersAndOrders(t *testing.T) {
	j := openTestJournal(t, Options{})

	j.Emit("a", "t1", map[string]any{"n": 1})
	j.Emit("b", "t2", map[string]any{"n": 2})
	j.Emit("a", "t3", map[string]any{"n": 3})

	events, err := j.ReadSession("a", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "t1", events[0].Type)
	assert.Equal(t, "t3", events[1].Type)

	// Pagination.
	events, err = j.ReadSession("a", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t3", events[0].Type)
}

func TestRecoveryTruncatesTamperedSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j := openTestJournal(t, Options{Path: path})
	j.Emit("s", "e0", nil)
	j.Emit("s", "e1", nil)
	j.Emit("s", "e2", nil)
	require.NoError(t, j.Close())

	tamperHashPrev(t, path, 1)

	j2 := openTestJournal(t, Options{Path: path, Recovery: RecoveryTruncate})
	assert.Equal(t, int64(1), j2.NextSeq(), "only event 0 survives")

	ev, err := j2.Emit("s", "e3", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq, "seq continues gap-free after truncation")

	ok, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecoveryStrictRefusesTamperedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j := openTestJournal(t, Options{Path: path})
	j.Emit("s", "e0", nil)
	j.Emit("s", "e1", nil)
	require.NoError(t, j.Close())

	tamperHashPrev(t, path, 1)

	_, err := Open(Options{Path: path, Recovery: RecoveryStrict})
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestRecoveryTrimsPartialLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j := openTestJournal(t, Options{Path: path})
	j.Emit("s", "e0", nil)
	j.Emit("s", "e1", nil)
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	f.WriteString(`{"event_id":"trunc`)
	f.Close()

	j2 := openTestJournal(t, Options{Path: path})
	assert.Equal(t, int64(2), j2.NextSeq())

	ok, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompactRetainsSubsetWithValidChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := openTestJournal(t, Options{Path: path})

	j.Emit("keep", "k0", nil)
	j.Emit("drop", "d0", nil)
	j.Emit("keep", "k1", nil)
	j.Emit("drop", "d1", nil)

	require.NoError(t, j.Compact([]string{"keep"}))

	var types []string
	var seqs []int64
	err := j.ReadAllStream(func(ev *Event) error {
		types = append(types, ev.Type)
		seqs = append(seqs, ev.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1"}, types)
	assert.Equal(t, []int64{0, 1}, seqs, "seq renumbered zero-based")

	ok, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)

	// Appends after compaction continue the new chain.
	ev, err := j.Emit("keep", "k2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq)

	ok, err = Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompactRetainAllIsRoundTrip(t *testing.T) {
	j := openTestJournal(t, Options{})

	j.Emit("a", "e0", map[string]any{"x": "y"})
	j.Emit("b", "e1", nil)

	require.NoError(t, j.Compact(nil))

	var count int
	j.ReadAllStream(func(ev *Event) error {
		count++
		return nil
	})
	assert.Equal(t, 2, count)
}

func TestSubscriberPanicDoesNotAbortEmit(t *testing.T) {
	j := openTestJournal(t, Options{})

	var delivered []string
	j.Subscribe(func(ev *Event) { panic("bad subscriber") })
	j.Subscribe(func(ev *Event) { delivered = append(delivered, ev.Type) })

	_, err := j.Emit("s", "survives", nil)
	require.NoError(t, err)
	assert.Contains(t, delivered, "survives")
}

func TestRedactionScrubsSensitivePayloads(t *testing.T) {
	j := openTestJournal(t, Options{Redact: true})

	ev, err := j.Emit("s", "tool_call", map[string]any{
		"api_key": "sk-abc123",
		"nested": map[string]any{
			"password": "hunter2",
			"db":       "postgres://u:p@host/db",
		},
		"note": "harmless",
	})
	require.NoError(t, err)

	assert.Equal(t, RedactedSentinel, ev.Payload["api_key"])
	nested := ev.Payload["nested"].(map[string]any)
	assert.Equal(t, RedactedSentinel, nested["password"])
	assert.Equal(t, RedactedSentinel, nested["db"])
	assert.Equal(t, "harmless", ev.Payload["note"])
}

func TestLockfileBlocksSecondOpenAndCleansStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j := openTestJournal(t, Options{Path: path, Lock: true})

	_, err := Open(Options{Path: path, Lock: true})
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, j.Close())

	// Fake a dead holder.
	require.NoError(t, os.WriteFile(path+".lock", []byte("99999999"), 0o644))
	j2, err := Open(Options{Path: path, Lock: true})
	require.NoError(t, err)
	j2.Close()
}

func TestTryEmitSwallowsFailures(t *testing.T) {
	j := openTestJournal(t, Options{})
	assert.True(t, j.TryEmit("s", "fine", nil))

	// Closing the file makes appends fail; TryEmit must not error out.
	j.file.Close()
	assert.False(t, j.TryEmit("s", "dropped", nil))
}

// tamperHashPrev rewrites the hash_prev of the record at the given seq.
func tamperHashPrev(t *testing.T, path string, seq int) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	i := 0
	for scanner.Scan() {
		line := scanner.Text()
		if i == seq {
			var ev map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &ev))
			ev["hash_prev"] = "deadbeef"
			raw, err := json.Marshal(ev)
			require.NoError(t, err)
			line = string(raw)
		}
		out = append(out, line)
		i++
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0o644))
}
