// Package modcache implements the content-addressed module cache (spec
// §5 "shared resources" and §6.2): immutable, CBOR-encoded entries keyed by
// a BLAKE2b-256 hash, with a per-(module,version) lock guaranteeing
// at-most-one fetch.
//
// The on-disk envelope — magic, format version, flags, body length, then a
// content hash covering the body — is grounded directly on the teacher's
// core/planfmt/writer.go / reader.go binary plan format. mlld swaps
// planfmt's bespoke binary step/command encoding for a CBOR-encoded body
// (github.com/fxamacker/cbor/v2), since a module cache entry is a flat
// record (source text + export list), not a recursive execution tree that
// benefits from planfmt's custom node-tag encoding.
package modcache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// magic identifies an mlld module-cache entry file, mirroring planfmt's
// 4-byte magic + uint16 version + uint16 flags preamble.
const magic = "MLMC"

// formatVersion is the on-disk entry format's version.
const formatVersion uint16 = 1

// Entry is one resolved module, as written to the cache.
type Entry struct {
	Module  string   `cbor:"module"`
	Version string   `cbor:"version"`
	Source  string   `cbor:"source"`
	Exports []string `cbor:"exports"`
}

// Hash returns the content address of e: a BLAKE2b-256 digest over the
// module identity and source, the same "hash execution semantics, not
// metadata" split the teacher's planfmt.Writer applies (Exports is not
// hashed; the digest is stored in the on-disk envelope, not in Entry).
func (e *Entry) Hash() [32]byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(e.Module))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(e.Version))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(e.Source))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Fetcher resolves a module's source text and exported names from its
// network/registry location. internal/eval's ModuleResolver wraps a Cache
// in front of one of these.
type Fetcher func(module, version string) (source string, exports []string, err error)

// Cache is a directory of immutable, content-addressed module entries.
type Cache struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Cache rooted at dir, creating it if necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("modcache: creating cache dir: %w", err)
	}
	return &Cache{dir: dir, locks: map[string]*sync.Mutex{}}, nil
}

// lockFor returns the mutex serializing fetches of one (module, version)
// pair, guaranteeing at-most-one fetch per entry (spec §5).
func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func (c *Cache) indexPath(module, version string) string {
	sum := blake2b.Sum256([]byte(module + "@" + version))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".mlmc")
}

// Get returns a previously cached entry for (module, version), if present.
func (c *Cache) Get(module, version string) (*Entry, bool, error) {
	data, err := os.ReadFile(c.indexPath(module, version))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("modcache: reading entry: %w", err)
	}
	e, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// GetOrFetch returns the cached entry for (module, version), calling fetch
// exactly once per (module, version) across concurrent callers if no entry
// exists yet. Entries are immutable once written: a second writer for the
// same key never overwrites the first.
func (c *Cache) GetOrFetch(module, version string, fetch Fetcher) (*Entry, error) {
	key := module + "@" + version
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if e, ok, err := c.Get(module, version); err != nil {
		return nil, err
	} else if ok {
		return e, nil
	}

	source, exports, err := fetch(module, version)
	if err != nil {
		return nil, fmt.Errorf("modcache: fetching %s@%s: %w", module, version, err)
	}
	e := &Entry{Module: module, Version: version, Source: source, Exports: exports}
	if err := c.put(module, version, e); err != nil {
		return nil, err
	}
	return e, nil
}

// put writes e atomically (temp file + rename) so a reader never observes
// a partially written entry.
func (c *Cache) put(module, version string, e *Entry) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "tmp-*.mlmc")
	if err != nil {
		return fmt.Errorf("modcache: creating temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("modcache: writing temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("modcache: closing temp entry: %w", err)
	}
	if err := os.Rename(tmpName, c.indexPath(module, version)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("modcache: publishing entry: %w", err)
	}
	return nil
}

// encode builds the on-disk envelope: MAGIC(4) VERSION(2) FLAGS(2)
// BODY_LEN(4) HASH(32) BODY(cbor), matching planfmt.Writer's
// preamble-then-header-then-body structure collapsed into one section
// since a module entry has no separate metadata header worth hashing
// around.
func encode(e *Entry) ([]byte, error) {
	body, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("modcache: cbor encoding entry: %w", err)
	}
	hash := e.Hash()

	var buf bytes.Buffer
	buf.WriteString(magic)
	_ = binary.Write(&buf, binary.LittleEndian, formatVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0)) // flags, reserved
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(body)))
	buf.Write(hash[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

func decode(data []byte) (*Entry, error) {
	if len(data) < len(magic)+2+2+4+32 {
		return nil, fmt.Errorf("modcache: entry truncated")
	}
	r := bytes.NewReader(data)
	gotMagic := make([]byte, len(magic))
	if _, err := io.ReadFull(r, gotMagic); err != nil || string(gotMagic) != magic {
		return nil, fmt.Errorf("modcache: bad magic")
	}
	var version, flags uint16
	var bodyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("modcache: unsupported entry format version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bodyLen); err != nil {
		return nil, err
	}
	hash := make([]byte, 32)
	if _, err := io.ReadFull(r, hash); err != nil {
		return nil, err
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("modcache: reading body: %w", err)
	}

	var e Entry
	if err := cbor.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("modcache: cbor decoding entry: %w", err)
	}
	got := e.Hash()
	if !bytes.Equal(got[:], hash) {
		return nil, fmt.Errorf("modcache: entry hash mismatch (corrupt cache file)")
	}
	return &e, nil
}
