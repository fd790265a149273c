// Package persistence implements the framed append-only log used for the
// bronze record store and for checkpoint files.
package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Log is an append-only file of CRC-checked frames.
// Appends are flushed and fsynced before returning, so a frame that Append
// reported as written survives a crash.
type Log struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	fw   *FrameWriter
	path string
	size int64
}

// OpenLog opens or creates the log at path. A torn frame at the tail (from a
// crash mid-write) is truncated away; corruption before the tail is an error.
func OpenLog(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	valid, err := scanValid(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size() > valid {
		slog.Warn("[LOG] Truncating torn tail", "path", path, "valid_bytes", valid, "file_bytes", info.Size())
		if err := file.Truncate(valid); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to truncate torn tail: %w", err)
		}
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, err
	}

	l := &Log{file: file, path: path, size: valid}
	l.buf = bufio.NewWriter(file)
	l.fw = NewFrameWriter(l.buf)
	return l, nil
}

// scanValid returns the byte offset just past the last intact frame.
func scanValid(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	var offset int64
	for {
		_, n, err := ReadFrame(r)
		if err == io.EOF {
			return offset, nil
		}
		if errors.Is(err, ErrIncompleteFrame) {
			return offset, nil
		}
		if err != nil {
			// A bad frame followed by more data is real corruption, not a torn write.
			if _, perr := r.Peek(1); perr == io.EOF {
				return offset, nil
			}
			return 0, fmt.Errorf("log corrupted at offset %d: %w", offset, err)
		}
		offset += int64(n)
	}
}

// Append writes one frame and syncs it to disk.
func (l *Log) Append(op OpCode, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fw.WriteFrame(op, payload); err != nil {
		return err
	}
	if err := l.buf.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.size += int64(HeaderSize + len(payload))
	return nil
}

// Replay calls fn for every frame in file order.
func (l *Log) Replay(fn func(Frame) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, l.size))
	for {
		frame, _, err := ReadFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

// Size returns the number of valid bytes in the log.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Path returns the file path.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.buf.Flush(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
