package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/eventlog"
	"github.com/gokay-avci/unifiedlab/pkg/log"
)

// Role selects which side of the transport a process speaks.
type Role int

const (
	RoleCoordinator Role = iota
	RoleWorker
)

const (
	// discoveryInterval throttles inbox directory rescans.
	discoveryInterval = 2 * time.Second

	// inboxBatchLimit caps messages drained from one inbox per call.
	inboxBatchLimit = 100

	// broadcastBatchLimit caps broadcasts drained per call.
	broadcastBatchLimit = 1000
)

var (
	// ErrCoordinatorSelfSend is returned when the coordinator tries to
	// use the worker uplink.
	ErrCoordinatorSelfSend = errors.New("transport: coordinator cannot send to itself")

	// ErrWorkerBroadcast is returned when a worker tries to broadcast.
	ErrWorkerBroadcast = errors.New("transport: worker cannot broadcast")
)

// FileTransport is the role-typed facade over the shared log directory:
//
//	<root>/events.log              coordinator broadcast log
//	<root>/inbox/worker_<id>.log   per-worker uplinks
//
// It is not safe for concurrent use; each process drives it from a single
// actor loop.
type FileTransport struct {
	role          Role
	root          string
	writer        *eventlog.Writer
	globalReader  *eventlog.Reader
	inboxReaders  map[string]*eventlog.Reader
	nextDiscovery time.Time
	logger        zerolog.Logger
}

// Options tune transport behavior.
type Options struct {
	// Fsync controls writer durability. Defaults to on; workers on fast
	// local scratch may disable it.
	Fsync bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{Fsync: true}
}

// New opens a transport rooted at root. Workers must supply their id; the
// coordinator must not.
func New(root string, role Role, workerID string, opts Options) (*FileTransport, error) {
	inboxDir := filepath.Join(root, "inbox")
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	t := &FileTransport{
		role:         role,
		root:         root,
		inboxReaders: make(map[string]*eventlog.Reader),
		logger:       log.WithComponent("transport"),
	}

	switch role {
	case RoleCoordinator:
		w, err := eventlog.OpenWriter(filepath.Join(root, "events.log"), eventlog.WriterConfig{Fsync: opts.Fsync})
		if err != nil {
			return nil, err
		}
		t.writer = w
	case RoleWorker:
		if workerID == "" {
			return nil, errors.New("transport: worker role requires a worker id")
		}
		w, err := eventlog.OpenWriter(filepath.Join(inboxDir, "worker_"+workerID+".log"), eventlog.WriterConfig{Fsync: opts.Fsync})
		if err != nil {
			return nil, err
		}
		r, err := eventlog.OpenReader(filepath.Join(root, "events.log"))
		if err != nil {
			w.Close()
			return nil, err
		}
		t.writer = w
		t.globalReader = r
	default:
		return nil, fmt.Errorf("transport: unknown role %d", role)
	}

	return t, nil
}

// SendToCoordinator appends a message to this worker's inbox log.
func (t *FileTransport) SendToCoordinator(kind string, payload []byte) error {
	if t.role == RoleCoordinator {
		return ErrCoordinatorSelfSend
	}
	_, err := t.writer.Append(time.Now().UnixMilli(), kind, payload)
	return err
}

// Broadcast appends a message to the global log and returns the frame's
// start offset.
func (t *FileTransport) Broadcast(kind string, payload []byte) (uint64, error) {
	if t.role == RoleWorker {
		return 0, ErrWorkerBroadcast
	}
	return t.writer.Append(time.Now().UnixMilli(), kind, payload)
}

// RecvBroadcasts drains the global log up to the batch cap. Worker role
// only; the coordinator receives nothing here.
func (t *FileTransport) RecvBroadcasts() ([]*eventlog.Envelope, error) {
	if t.role == RoleCoordinator {
		return nil, nil
	}
	var events []*eventlog.Envelope
	for len(events) < broadcastBatchLimit {
		env, err := t.globalReader.Next()
		if err != nil {
			t.logger.Warn().Err(err).Msg("Error reading broadcast log")
			break
		}
		if env == nil {
			break
		}
		events = append(events, env)
	}
	return events, nil
}

// RecvWorkerMessages discovers new inbox logs (throttled) and drains each
// tracked inbox up to the per-inbox batch cap. Coordinator role only.
func (t *FileTransport) RecvWorkerMessages() ([]*eventlog.Envelope, error) {
	if t.role == RoleWorker {
		return nil, nil
	}

	if time.Now().After(t.nextDiscovery) || t.nextDiscovery.IsZero() {
		t.discoverInboxes()
		t.nextDiscovery = time.Now().Add(discoveryInterval)
	}

	var events []*eventlog.Envelope
	for name, reader := range t.inboxReaders {
		count := 0
		for count < inboxBatchLimit {
			env, err := reader.Next()
			if err != nil {
				t.logger.Warn().Str("inbox", name).Err(err).Msg("Error reading inbox")
				break
			}
			if env == nil {
				break
			}
			events = append(events, env)
			count++
		}
	}
	return events, nil
}

// discoverInboxes opens a reader at offset 0 for any untracked *.log file
// in the inbox directory.
func (t *FileTransport) discoverInboxes() {
	entries, err := os.ReadDir(filepath.Join(t.root, "inbox"))
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to scan inbox directory")
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		if _, ok := t.inboxReaders[name]; ok {
			continue
		}
		r, err := eventlog.OpenReader(filepath.Join(t.root, "inbox", name))
		if err != nil {
			t.logger.Warn().Str("inbox", name).Err(err).Msg("Failed to open inbox")
			continue
		}
		t.logger.Info().Str("inbox", name).Msg("Discovered new worker inbox")
		t.inboxReaders[name] = r
	}
}

// Seek repositions the global log reader; the coordinator lazily opens its
// own reader on first use (restart path).
func (t *FileTransport) Seek(offset uint64) error {
	if t.globalReader == nil {
		r, err := eventlog.OpenReader(filepath.Join(t.root, "events.log"))
		if err != nil {
			return err
		}
		t.globalReader = r
	}
	t.globalReader.Seek(offset)
	return nil
}

// Close releases all writers and readers.
func (t *FileTransport) Close() error {
	var firstErr error
	if t.writer != nil {
		if err := t.writer.Close(); err != nil {
			firstErr = err
		}
	}
	if t.globalReader != nil {
		if err := t.globalReader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range t.inboxReaders {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
