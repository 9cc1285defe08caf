package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is the durable ledger: an append-only log with one post id per line.
// Every Record is written and fsynced before it returns. A torn final line
// (a crash mid-write) is ignored on load and trimmed before the next append,
// so it can never merge with a later entry.
type File struct {
	path string
	f    logFile
	size int64 // bytes written by complete appends
	ids  set
}

// logFile is the part of *os.File the ledger appends through
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// OpenFile loads the log at path, creating it if it does not exist
func OpenFile(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Backend: "file", Op: "load", Err: err}
		}
	}

	ids, valid, err := readLog(path)
	if err != nil {
		return nil, &StorageError{Backend: "file", Op: "load", Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &StorageError{Backend: "file", Op: "load", Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Backend: "file", Op: "load", Err: err}
	}
	if info.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, &StorageError{Backend: "file", Op: "trim torn entry", Err: err}
		}
	}

	return &File{path: path, f: f, size: valid, ids: ids}, nil
}

// readLog returns the distinct ids and the byte length of the complete lines
func readLog(path string) (set, int64, error) {
	ids := make(set)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var valid int64
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// no terminator: torn trailing write, treated as absent
			return ids, valid, nil
		}
		if err != nil {
			return nil, 0, err
		}

		id := line[:len(line)-1]
		if err := checkID(string(id)); err != nil {
			return nil, 0, fmt.Errorf("corrupt entry at line %d: %w", lineNo, err)
		}
		ids[string(id)] = struct{}{}
		valid += int64(len(line))
	}
}

func checkID(id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c == 0x7f {
			return fmt.Errorf("invalid byte 0x%02x in id %q", c, id)
		}
	}
	return nil
}

func (l *File) Contains(id string) bool { return l.ids.has(id) }

func (l *File) Record(_ context.Context, id string) error {
	if l.ids.has(id) {
		return nil
	}
	if err := checkID(id); err != nil {
		return &StorageError{Backend: "file", Op: "record", Err: err}
	}

	entry := []byte(id + "\n")
	if _, err := l.f.Write(entry); err != nil {
		// drop whatever part of the entry reached the file
		_ = l.f.Truncate(l.size)
		return &StorageError{Backend: "file", Op: "record", Err: err}
	}
	// the entry is in the file now, durable or not, so a later torn
	// append must not truncate it away
	l.size += int64(len(entry))

	if err := l.f.Sync(); err != nil {
		return &StorageError{Backend: "file", Op: "sync", Err: err}
	}
	l.ids[id] = struct{}{}
	return nil
}

func (l *File) Len() int { return len(l.ids) }

// Path returns the log location
func (l *File) Path() string { return l.path }

func (l *File) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
