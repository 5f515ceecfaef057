// Package cache provides file-based caching for loaded FilesystemInfo
// records, so that re-running `unify` over the same set of candidate
// archives skips re-reading and re-parsing tar members.
//
// Adapted from dupedog's internal/cache: same self-cleaning pattern
// (read the previous run's database, write a fresh one, atomically swap
// on Close so only entries touched this run survive), repurposed to
// cache a whole FilesystemInfo per archive instead of a hash per byte
// range.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/fwunify/internal/types"
)

const bucketName = "filesystems"

// record is the gob-serializable form of types.FilesystemInfo.
type record struct {
	Name       string
	Paths      []string
	Links      map[string]string
	References []string
	Size       int64
}

func toRecord(fs *types.FilesystemInfo) record {
	r := record{Name: fs.Name, Links: fs.Links, Size: fs.Size}
	for p := range fs.Paths {
		r.Paths = append(r.Paths, p)
	}
	for ref := range fs.References {
		r.References = append(r.References, ref)
	}
	return r
}

func (r record) toFilesystemInfo() *types.FilesystemInfo {
	fs := types.NewFilesystemInfo(r.Name)
	for _, p := range r.Paths {
		fs.AddPath(p)
	}
	for p, link := range r.Links {
		fs.AddLink(p, link)
	}
	for _, ref := range r.References {
		fs.AddReference(ref)
	}
	fs.Size = r.Size
	return fs
}

// Cache provides persistent caching of loaded filesystems using
// BoltDB. Implements self-cleaning: each run creates a new database,
// only entries looked up (hit or freshly stored) survive into it.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Open opens the existing cache for reading and creates a new cache for
// writing. Returns a disabled cache if path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		if db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second}); err == nil {
			c.readDB = db
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old cache
// file with the new one, provided the write database closed cleanly.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func makeKey(name string, size int64, modTime time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(name)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, size)
	_ = binary.Write(buf, binary.BigEndian, modTime.UnixNano())
	return buf.Bytes()
}

// LookupFilesystem retrieves a cached FilesystemInfo for an archive
// identified by (name, size, modTime); any change to those invalidates
// the entry. Checks this session's own writes first (so a Store
// followed by a Lookup within the same run hits), then the prior run's
// database; a hit from the prior run is copied into the new database
// (self-cleaning).
func (c *Cache) LookupFilesystem(name string, size int64, modTime time.Time) (*types.FilesystemInfo, bool) {
	if !c.enabled {
		return nil, false
	}

	key := makeKey(name, size, modTime)

	if data := c.get(c.writeDB, key); data != nil {
		if fs, ok := decodeFilesystem(data); ok {
			return fs, true
		}
	}

	if c.readDB == nil {
		return nil, false
	}
	data := c.get(c.readDB, key)
	if data == nil {
		return nil, false
	}
	fs, ok := decodeFilesystem(data)
	if !ok {
		return nil, false
	}

	_ = c.store(key, toRecord(fs))
	return fs, true
}

func (c *Cache) get(db *bolt.DB, key []byte) []byte {
	if db == nil {
		return nil
	}
	var data []byte
	_ = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data
}

func decodeFilesystem(data []byte) (*types.FilesystemInfo, bool) {
	var r record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, false
	}
	return r.toFilesystemInfo(), true
}

// StoreFilesystem saves fs into the new database keyed by (name, size,
// modTime).
func (c *Cache) StoreFilesystem(fs *types.FilesystemInfo, size int64, modTime time.Time) {
	if !c.enabled || c.writeDB == nil {
		return
	}
	key := makeKey(fs.Name, size, modTime)
	_ = c.store(key, toRecord(fs))
}

func (c *Cache) store(key []byte, r record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return err
	}
	return c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(key, buf.Bytes())
	})
}
