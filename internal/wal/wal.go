// Package wal implements the write-ahead log every memtable upsert is
// durably recorded to before the tree sees it, adapted from teacher's
// pkg/wal (listener-driven async append) and generalized with a tree_id
// tag so one log file can interleave writes across every groove's trees.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"forestdb/internal/listener"
	"forestdb/pkg/types"
)

// Entry is one durable record: a single tree's key/value write (or
// tombstone) at a given sequence number.
type Entry struct {
	SeqNum    types.SeqN
	TreeID    types.TreeID
	Key       []byte
	Value     []byte
	Meta      uint64
	Tombstone bool
}

// WAL is the append-only log, drained by its own listener goroutine so
// Append never blocks on fsync.
type WAL struct {
	*listener.Listener[Entry]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	inputCh chan Entry
	doneCh  chan types.SeqN
}

// New opens (creating if absent) the WAL file under dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("wal: empty dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	path := filepath.Join(dir, "wal.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: path,
		inputCh:  make(chan Entry, 3),
		doneCh:   make(chan types.SeqN, 3),
	}
	w.Listener = listener.New(w.inputCh, w.writeFile, w.stop)
	return w, nil
}

// Append enqueues entry for durable append; completion is reported on Done.
func (w *WAL) Append(entry Entry) {
	w.inputCh <- entry
}

// writeFile runs on the listener goroutine for each queued entry.
func (w *WAL) writeFile(entry Entry) error {
	w.mu.Lock()
	err := w.writeEntry(entry)
	if err == nil {
		err = w.writer.Flush()
	}
	if err == nil {
		err = w.file.Sync()
	}
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wal: write entry: %w", err)
	}

	w.doneCh <- entry.SeqNum
	return nil
}

// Done reports the sequence number of each durably-appended entry, in order.
func (w *WAL) Done() <-chan types.SeqN { return w.doneCh }

// Replay reads every entry with SeqNum >= start, in log order, invoking cb.
func (w *WAL) Replay(start types.SeqN, cb func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("wal: close replay file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		entry, err := w.readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("wal: read entry: %w", err)
		}
		if entry.SeqNum < start {
			continue
		}
		if err := cb(entry); err != nil {
			return fmt.Errorf("wal: replay callback: %w", err)
		}
	}
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("wal: flush on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("wal: close file: %w", err)
		}
		w.file = nil
	}
	return nil
}

func (w *WAL) stop() {
	close(w.inputCh)
	close(w.doneCh)
}

func (w *WAL) writeEntry(entry Entry) error {
	if w.writer == nil {
		return fmt.Errorf("wal: writer is nil")
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.TreeID); err != nil {
		return err
	}
	tombstone := uint8(0)
	if entry.Tombstone {
		tombstone = 1
	}
	if err := binary.Write(w.writer, binary.LittleEndian, tombstone); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, entry.Meta); err != nil {
		return err
	}
	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("wal: key too large: %d", len(entry.Key))
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(entry.Key))); err != nil {
		return err
	}
	if _, err := w.writer.Write(entry.Key); err != nil {
		return err
	}
	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("wal: value too large: %d", len(entry.Value))
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(entry.Value))); err != nil {
		return err
	}
	_, err := w.writer.Write(entry.Value)
	return err
}

func (w *WAL) readEntry(reader *bufio.Reader) (Entry, error) {
	var entry Entry
	if err := binary.Read(reader, binary.LittleEndian, &entry.SeqNum); err != nil {
		return entry, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.TreeID); err != nil {
		return entry, err
	}
	var tombstone uint8
	if err := binary.Read(reader, binary.LittleEndian, &tombstone); err != nil {
		return entry, err
	}
	entry.Tombstone = tombstone == 1
	if err := binary.Read(reader, binary.LittleEndian, &entry.Meta); err != nil {
		return entry, err
	}

	var keyLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &keyLen); err != nil {
		return entry, err
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(reader, entry.Key); err != nil {
		return entry, err
	}

	var valueLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &valueLen); err != nil {
		return entry, err
	}
	entry.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(reader, entry.Value); err != nil {
		return entry, err
	}

	return entry, nil
}
