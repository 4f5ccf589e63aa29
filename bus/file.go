package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// DefaultPollInterval is how often FileBus subscribers check channel logs.
const DefaultPollInterval = 100 * time.Millisecond

// FileBus implements Bus on a local coordination directory:
//
//	<dir>/channels/<channel>.jsonl   one JSON message per line, append only
//	<dir>/kv/<key>.json              {"value": ..., "expires_at": ...}
//
// Channel writers hold an exclusive flock for each append and readers a
// shared lock. Documents are written to a temporary file and renamed into
// place under an exclusive lock on the kv directory. A subscriber starts at the end of the
// log as of the Subscribe call and polls for new complete lines. A line
// cut short by a crashed writer is left unconsumed until it is completed,
// so delivery is at-least-once.
type FileBus struct {
	dir    string
	poll   time.Duration
	clock  clock.Clock
	logger logging.Logger
	codec  protocol.Codec

	closeOnce sync.Once
	closed    chan struct{}
}

// FileOptions configures a FileBus.
type FileOptions struct {
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       logging.Logger
}

type fileDoc struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NewFileBus creates the directory layout under dir and returns the bus.
func NewFileBus(dir string, optFns ...func(o *FileOptions)) (*FileBus, error) {
	opts := FileOptions{PollInterval: DefaultPollInterval, Clock: clock.Real(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	for _, sub := range []string{"channels", "kv"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create coordination directory: %w", err)
		}
	}
	return &FileBus{
		dir:    dir,
		poll:   opts.PollInterval,
		clock:  opts.Clock,
		logger: opts.Logger,
		codec:  protocol.JSONCodec{},
		closed: make(chan struct{}),
	}, nil
}

// Backend implements Bus.
func (b *FileBus) Backend() Backend { return BackendFile }

// Dir returns the coordination directory.
func (b *FileBus) Dir() string { return b.dir }

func (b *FileBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *FileBus) channelPath(channel string) string {
	return filepath.Join(b.dir, "channels", url.PathEscape(channel)+".jsonl")
}

func (b *FileBus) keyPath(key string) string {
	return filepath.Join(b.dir, "kv", url.PathEscape(key)+".json")
}

// Publish appends msg to the channel log under an exclusive lock.
func (b *FileBus) Publish(_ context.Context, channel string, msg protocol.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	data, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(b.channelPath(channel), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open channel log: %w", err)
	}
	defer f.Close()
	if err := lockFile(f, true); err != nil {
		return fmt.Errorf("lock channel log: %w", err)
	}
	defer unlockFile(f)
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append channel log: %w", err)
	}
	return nil
}

// Subscribe starts polling the channel log from its current end.
func (b *FileBus) Subscribe(ctx context.Context, channel string) (<-chan protocol.Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	path := b.channelPath(channel)
	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat channel log: %w", err)
	}

	out := make(chan protocol.Message, subscriberBuffer)
	ticker := b.clock.NewTicker(b.poll)
	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			case <-ticker.C:
			}
			msgs, next, err := b.readFrom(path, offset)
			if err != nil {
				b.logger.Warn("File bus poll failed", "channel", channel, "error", err.Error())
				continue
			}
			offset = next
			for _, msg := range msgs {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				}
			}
		}
	}()
	return out, nil
}

// readFrom returns the complete messages after offset and the offset just
// past the last complete line. Malformed lines are skipped.
func (b *FileBus) readFrom(path string, offset int64) ([]protocol.Message, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()
	if err := lockFile(f, false); err != nil {
		return nil, offset, err
	}
	defer unlockFile(f)

	fi, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if fi.Size() < offset {
		// The log was truncated underneath us; start over.
		offset = 0
	}
	if fi.Size() == offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, offset, nil
	}

	var msgs []protocol.Message
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := protocol.DecodeMessage(b.codec, line)
		if err != nil {
			b.logger.Warn("Dropping malformed message", "path", path, "error", err.Error())
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, offset + int64(end) + 1, nil
}

// Set atomically replaces the document.
func (b *FileBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if b.isClosed() {
		return ErrClosed
	}
	doc := fileDoc{Value: value}
	if ttl > 0 {
		doc.ExpiresAt = b.clock.Now().Add(ttl).UTC()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	// Writers serialize on the kv directory; the document itself is
	// replaced by rename so readers never see a partial write.
	dir, err := os.Open(filepath.Join(b.dir, "kv"))
	if err != nil {
		return fmt.Errorf("open kv dir: %w", err)
	}
	defer dir.Close()
	if err := lockFile(dir, true); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlockFile(dir)

	tmp, err := os.CreateTemp(dir.Name(), "."+url.PathEscape(key)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), b.keyPath(key)); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

func (b *FileBus) readDoc(key string) (fileDoc, error) {
	f, err := os.Open(b.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fileDoc{}, ErrNotFound
	}
	if err != nil {
		return fileDoc{}, err
	}
	defer f.Close()
	if err := lockFile(f, false); err != nil {
		return fileDoc{}, err
	}
	defer unlockFile(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return fileDoc{}, err
	}
	if len(data) == 0 {
		return fileDoc{}, ErrNotFound
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDoc{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if !doc.ExpiresAt.IsZero() && !b.clock.Now().Before(doc.ExpiresAt) {
		return fileDoc{}, ErrNotFound
	}
	return doc, nil
}

// Get reads a document under a shared lock. Expired documents read as
// missing; they are left for the next writer or Delete to clean up.
func (b *FileBus) Get(_ context.Context, key string) ([]byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	doc, err := b.readDoc(key)
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

// Delete removes the document file.
func (b *FileBus) Delete(_ context.Context, key string) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := os.Remove(b.keyPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists unexpired documents whose key starts with prefix.
func (b *FileBus) Keys(_ context.Context, prefix string) ([]string, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(filepath.Join(b.dir, "kv"))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, err := b.readDoc(key); err != nil {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Close stops all subscriptions. It is idempotent.
func (b *FileBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
