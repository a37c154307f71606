// Package filestore is a single-file, whole-snapshot-rewrite
// implementation of store.Store, grounded on the teacher's
// Server.persist()/restore() binary layout (truncate, write a fixed-width
// header plus entries, fsync) but generalized from one fixed
// persistentState struct to an arbitrary key→bytes map, and made
// crash-atomic with a write-to-temp-file-then-rename, the idiomatic Go
// durability pattern (see dedis/tlc's fs.WriteFileOnce in the retrieval
// pack) the teacher's truncate-in-place approach does not provide.
package filestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists a key→bytes map as one file on disk.
//
// On-disk layout, little-endian fixed width:
//
//	[0..4)   entryCount (uint32)
//	entries, each:
//	  [0..4)  keyLen  (uint32)
//	  key bytes
//	  [0..4)  valLen  (uint32)
//	  value bytes
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string][]byte
}

// Open loads path if it exists, or starts an empty store otherwise.
func Open(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(map[string][]byte)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	defer f.Close()

	if err := fs.load(f); err != nil {
		return nil, fmt.Errorf("filestore: load %s: %w", path, err)
	}
	return fs, nil
}

func (fs *FileStore) load(f *os.File) error {
	header := make([]byte, 4)
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("cannot read entry count: %w", err)
	}
	count := binary.LittleEndian.Uint32(header)

	for i := uint32(0); i < count; i++ {
		key, err := readChunk(f)
		if err != nil {
			return fmt.Errorf("cannot read [%d] key: %w", i, err)
		}
		val, err := readChunk(f)
		if err != nil {
			return fmt.Errorf("cannot read [%d] value: %w", i, err)
		}
		fs.data[string(key)] = val
	}
	return nil
}

func readChunk(f *os.File) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := f.Read(header); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header)
	buf := make([]byte, n)
	if n > 0 {
		if _, err := f.Read(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (fs *FileStore) Get(key string) ([]byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	v, ok := fs.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Transact applies deletes then writes to the in-memory map, and persists
// the result with a write-temp-then-rename so a crash mid-write never
// corrupts the on-disk file.
func (fs *FileStore) Transact(writes map[string][]byte, deletes []string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	next := make(map[string][]byte, len(fs.data)+len(writes))
	for k, v := range fs.data {
		next[k] = v
	}
	for _, k := range deletes {
		delete(next, k)
	}
	for k, v := range writes {
		next[k] = v
	}

	if err := fs.persist(next); err != nil {
		return err
	}
	fs.data = next
	return nil
}

func (fs *FileStore) persist(data map[string][]byte) error {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dir, name := filepath.Split(fs.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(keys)))
	if _, err := tmp.Write(header[:]); err != nil {
		return fmt.Errorf("filestore: write entry count: %w", err)
	}

	for _, k := range keys {
		if err := writeChunk(tmp, []byte(k)); err != nil {
			return fmt.Errorf("filestore: write key %q: %w", k, err)
		}
		if err := writeChunk(tmp, data[k]); err != nil {
			return fmt.Errorf("filestore: write value for %q: %w", k, err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("filestore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("filestore: rename into place: %w", err)
	}
	return nil
}

func writeChunk(f *os.File, b []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := f.Write(header[:]); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := f.Write(b); err != nil {
			return err
		}
	}
	return nil
}
