package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pushinapp/blockd/internal/domain"
)

// FileStore implements domain.SharedStore as a single JSON file written
// atomically (temp file + rename) under a flock. Each operation reads
// the whole file, applies the change and writes it back, so concurrent
// writers from other processes are last-writer-wins per operation -
// there is deliberately no cross-key atomicity.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given file path.
// The parent directory is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path (for the change watcher and tests).
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the value for key.
func (s *FileStore) Get(key string) (string, bool) {
	m, err := s.readAll()
	if err != nil {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// Put stores value under key.
func (s *FileStore) Put(key, value string) error {
	return s.update(func(m map[string]string) {
		m[key] = value
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key string) error {
	return s.update(func(m map[string]string) {
		delete(m, key)
	})
}

// update performs a read-modify-write of the whole store under a flock.
// The lock serializes writers on the same host; it does not make
// cross-key reads consistent for concurrent readers.
func (s *FileStore) update(mutate func(map[string]string)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	m, err := s.readAll()
	if err != nil {
		return err
	}

	mutate(m)

	return s.atomicWrite(m)
}

// readAll loads the store file. A missing file is an empty store.
func (s *FileStore) readAll() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt store file: %w", err)
	}
	return m, nil
}

// atomicWrite writes the store to file atomically (write + rename).
func (s *FileStore) atomicWrite(m map[string]string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	// Temp file is unique per process to avoid a cross-process race.
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Typed helpers. The mailbox holds strings; these centralize the
// encodings the extensions use (unix seconds for times, "true"/"false"
// for flags).

// GetInt64 reads an integer value; ok is false when absent or malformed.
func GetInt64(s domain.SharedStore, key string) (int64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PutInt64 writes an integer value.
func PutInt64(s domain.SharedStore, key string, n int64) error {
	return s.Put(key, strconv.FormatInt(n, 10))
}

// GetTime reads a unix-seconds timestamp.
func GetTime(s domain.SharedStore, key string) (time.Time, bool) {
	n, ok := GetInt64(s, key)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

// PutTime writes a unix-seconds timestamp.
func PutTime(s domain.SharedStore, key string, t time.Time) error {
	return PutInt64(s, key, t.Unix())
}

// GetTimeMilli reads a unix-milliseconds timestamp. Used for session
// deadlines, where second truncation would misclassify a window with a
// sub-second remainder as already over.
func GetTimeMilli(s domain.SharedStore, key string) (time.Time, bool) {
	n, ok := GetInt64(s, key)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

// PutTimeMilli writes a unix-milliseconds timestamp.
func PutTimeMilli(s domain.SharedStore, key string, t time.Time) error {
	return PutInt64(s, key, t.UnixMilli())
}

// GetBool reads a boolean flag; absent or malformed reads as false.
func GetBool(s domain.SharedStore, key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// PutBool writes a boolean flag.
func PutBool(s domain.SharedStore, key string, b bool) error {
	return s.Put(key, strconv.FormatBool(b))
}

// Ensure FileStore implements domain.SharedStore.
var _ domain.SharedStore = (*FileStore)(nil)
