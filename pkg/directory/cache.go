package directory

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// decodeBase64Pad decodes base64 with or without trailing padding, as
// directory documents omit it.
func decodeBase64Pad(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += "===="[m:]
	}
	return base64.StdEncoding.DecodeString(s)
}

// Store is the on-disk document cache: consensus, authority certificates,
// and microdescriptors keyed by content digest under one cache directory,
// plus the lockfile that elects the single writer.
type Store struct {
	dir      string
	lockFile *os.File
	writable bool
}

// NewStore opens (creating if needed) a cache directory
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"consensus", "authcert", "microdesc"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the cache directory path
func (s *Store) Dir() string {
	return s.dir
}

// TryLock attempts to take the writer lock without blocking. It returns
// true when this process now holds the lock.
func (s *Store) TryLock() (bool, error) {
	if s.writable {
		return true, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "cache.lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("failed to open lockfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock failed: %w", err)
	}
	s.lockFile = f
	s.writable = true
	return true, nil
}

// Unlock releases the writer lock
func (s *Store) Unlock() error {
	if !s.writable {
		return nil
	}
	s.writable = false
	f := s.lockFile
	s.lockFile = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock unlock failed: %w", err)
	}
	return f.Close()
}

// Writable reports whether this process holds the writer lock
func (s *Store) Writable() bool {
	return s.writable
}

func (s *Store) pathFor(id DocID) string {
	return filepath.Join(s.dir, id.Type.String(), id.Digest)
}

// Load reads a cached document by ID
func (s *Store) Load(id DocID) ([]byte, error) {
	body, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("cache read failed: %w", err)
	}
	return body, nil
}

// Contains reports whether a document is cached
func (s *Store) Contains(id DocID) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Save writes a document into the cache, keyed by its content digest.
// Only the lock holder writes; readers in other processes poll.
func (s *Store) Save(doctype DocType, body []byte) (DocID, error) {
	if !s.writable {
		return DocID{}, fmt.Errorf("cache is read-only (writer lock not held)")
	}
	id := DocID{Type: doctype, Digest: DocDigest(body)}
	tmp := s.pathFor(id) + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return DocID{}, fmt.Errorf("cache write failed: %w", err)
	}
	if err := os.Rename(tmp, s.pathFor(id)); err != nil {
		return DocID{}, fmt.Errorf("cache rename failed: %w", err)
	}
	return id, nil
}

// listDir returns the digests of every cached document of one type
func listDir(s *Store, t DocType) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, t.String()))
	if err != nil {
		return nil, fmt.Errorf("cache scan failed: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// LatestConsensus scans the cache for the consensus with the newest
// valid-after time. Returns nil without error when the cache is empty.
func (s *Store) LatestConsensus() (*Consensus, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, DocTypeConsensus.String()))
	if err != nil {
		return nil, fmt.Errorf("cache scan failed: %w", err)
	}
	var best *Consensus
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		body, err := os.ReadFile(filepath.Join(s.dir, DocTypeConsensus.String(), e.Name()))
		if err != nil {
			continue
		}
		c, err := ParseConsensus(body)
		if err != nil {
			continue
		}
		if best == nil || c.ValidAfter.After(best.ValidAfter) {
			best = c
		}
	}
	return best, nil
}
