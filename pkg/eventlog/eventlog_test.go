package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokay-avci/unifiedlab/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "events.log")
}

func appendFrames(t *testing.T, path string, kinds []string, payloads [][]byte) []uint64 {
	t.Helper()
	w, err := OpenWriter(path, WriterConfig{Fsync: true})
	require.NoError(t, err)
	defer w.Close()

	offsets := make([]uint64, 0, len(kinds))
	for i := range kinds {
		off, err := w.Append(time.Now().UnixMilli(), kinds[i], payloads[i])
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	return offsets
}

// TestFrameRoundTrip verifies that a fresh reader yields every appended
// frame in order, with contiguous offsets.
func TestFrameRoundTrip(t *testing.T) {
	path := newLog(t)
	kinds := []string{"work.request", "job.submit", "job.complete_report"}
	payloads := [][]byte{
		[]byte(`{"worker_id":"w1"}`),
		[]byte(`{"jobs":[]}`),
		[]byte(`{"job_id":"x","status":"completed"}`),
	}
	starts := appendFrames(t, path, kinds, payloads)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	var prevNext uint64
	for i := range kinds {
		env, err := r.Next()
		require.NoError(t, err)
		require.NotNil(t, env)

		assert.Equal(t, kinds[i], env.Record.Kind)
		assert.Equal(t, payloads[i], env.Record.Payload)
		assert.Equal(t, starts[i], env.StartOffset)
		if i > 0 {
			assert.Equal(t, prevNext, env.StartOffset)
		}
		prevNext = env.NextOffset
	}

	env, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, env, "clean EOF should yield no record")
}

// TestCorruptionSelfHeal damages the middle frame and expects the reader to
// yield the surrounding frames via the self-healing scan.
func TestCorruptionSelfHeal(t *testing.T) {
	path := newLog(t)
	kinds := []string{"a", "b", "c"}
	payloads := [][]byte{
		[]byte(`{"n":1}`),
		[]byte(`{"n":2}`),
		[]byte(`{"n":3}`),
	}
	starts := appendFrames(t, path, kinds, payloads)

	// Overwrite bytes inside the second frame's payload with garbage.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, int64(starts[1])+14)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	env, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "a", env.Record.Kind)

	env, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "c", env.Record.Kind, "scan should skip the damaged frame")
	assert.Equal(t, starts[2], env.StartOffset)

	env, err = r.Next()
	require.NoError(t, err)
	assert.Nil(t, env)
}

// TestCorruptHeaderMagic clobbers a frame's magic and checks recovery.
func TestCorruptHeaderMagic(t *testing.T) {
	path := newLog(t)
	starts := appendFrames(t, path,
		[]string{"a", "b"},
		[][]byte{[]byte(`{}`), []byte(`{}`)})

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00, 0x00, 0x00, 0x00}, int64(starts[0]))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	env, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "b", env.Record.Kind)
	assert.Equal(t, starts[1], env.StartOffset)
}

// TestPartialFrame simulates a writer mid-append: the reader must report no
// record, then pick the frame up once it is complete.
func TestPartialFrame(t *testing.T) {
	path := newLog(t)
	appendFrames(t, path, []string{"a"}, [][]byte{[]byte(`{"n":1}`)})

	// Append a truncated header by hand.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x42, 0x41, 0x4C})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	env, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, env)

	env, err = r.Next()
	require.NoError(t, err)
	assert.Nil(t, env, "partial header must not surface as a record")
}

// TestReaderBeforeWriter ensures a tailer can attach before any writer.
func TestReaderBeforeWriter(t *testing.T) {
	path := newLog(t)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	env, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, env)

	appendFrames(t, path, []string{"late"}, [][]byte{[]byte(`{}`)})

	env, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "late", env.Record.Kind)
}

// TestSeekResume checks that a reader reopened at a prior NextOffset
// resumes at the following frame.
func TestSeekResume(t *testing.T) {
	path := newLog(t)
	appendFrames(t, path,
		[]string{"a", "b", "c"},
		[][]byte{[]byte(`{}`), []byte(`{}`), []byte(`{}`)})

	r, err := OpenReader(path)
	require.NoError(t, err)
	first, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, r.Close())

	r2, err := OpenReader(path)
	require.NoError(t, err)
	defer r2.Close()
	r2.Seek(first.NextOffset)

	env, err := r2.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "b", env.Record.Kind)
}

// TestRecordCodec exercises the inner binary tuple directly.
func TestRecordCodec(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload []byte
	}{
		{name: "simple", kind: "work.request", payload: []byte(`{"a":1}`)},
		{name: "empty payload", kind: "ping", payload: []byte{}},
		{name: "empty kind", kind: "", payload: []byte(`{}`)},
		{name: "binary payload", kind: "blob", payload: []byte{0x00, 0xff, 0x42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := encodeRecord(1234, tt.kind, tt.payload)
			rec, err := decodeRecord(body)
			require.NoError(t, err)
			assert.Equal(t, int64(1234), rec.TimestampMS)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, tt.payload, rec.Payload)
		})
	}

	_, err := decodeRecord([]byte{1, 2, 3})
	assert.Error(t, err)
}
