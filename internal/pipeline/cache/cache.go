// Package cache is the fingerprinted artifact cache. Each data source owns
// one directory under the cache base containing its artifact files and a
// single cache_info.json manifest; the manifest is always written last, so a
// slot without a readable manifest is simply invalid, never half-trusted.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/peptilab/peptiflow/internal/pipeline/fingerprint"
	"github.com/peptilab/peptiflow/internal/pipeline/fsutil"
)

const (
	// ManifestName is the per-source manifest file.
	ManifestName = "cache_info.json"

	// DefaultTTL expires slots a day after they were written.
	DefaultTTL = 24 * time.Hour

	hashWorkers = 4
)

// FileRecord describes one cached artifact. Path is relative to the source
// directory.
type FileRecord struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the wire form of cache_info.json. Timestamp is Unix seconds
// with a fractional part; CreatedAt is the same instant in ISO-8601 for
// human readers.
type Manifest struct {
	Timestamp  float64        `json:"timestamp"`
	Source     string         `json:"source"`
	TTLSeconds int64          `json:"ttl_seconds"`
	Files      []FileRecord   `json:"files"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Cache validates and writes artifact slots under Base. ForceRefresh makes
// every slot report invalid so producers regenerate unconditionally.
type Cache struct {
	Base         string
	TTL          time.Duration
	ForceRefresh bool
}

func New(base string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{Base: base, TTL: ttl}
}

// Dir returns the directory owned by the given source key.
func (c *Cache) Dir(source string) string {
	return filepath.Join(c.Base, source)
}

// Manifest loads and decodes the manifest for source.
func (c *Cache) Manifest(source string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir(source), ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", source, err)
	}
	return &m, nil
}

// Valid reports whether the slot for source can be trusted, with a short
// reason when it cannot. Validation is all-or-nothing: the manifest must
// decode, the slot must be within TTL, and every recorded file must exist
// with its recorded size and sha256.
func (c *Cache) Valid(source string) (bool, string) {
	if c.ForceRefresh {
		return false, "force refresh requested"
	}
	m, err := c.Manifest(source)
	if errors.Is(err, os.ErrNotExist) {
		return false, "no manifest"
	}
	if err != nil {
		return false, err.Error()
	}

	ttl := c.TTL
	if m.TTLSeconds > 0 {
		ttl = time.Duration(m.TTLSeconds) * time.Second
	}
	age := time.Since(time.Unix(0, int64(m.Timestamp*float64(time.Second))))
	if age > ttl {
		return false, fmt.Sprintf("expired: age %s exceeds ttl %s", age.Round(time.Second), ttl)
	}

	dir := c.Dir(source)
	for _, rec := range m.Files {
		path := filepath.Join(dir, rec.Path)
		info, err := os.Stat(path)
		if err != nil {
			return false, fmt.Sprintf("missing file %s", rec.Path)
		}
		if info.Size() != rec.Size {
			return false, fmt.Sprintf("size mismatch for %s: got %d want %d", rec.Path, info.Size(), rec.Size)
		}
		sum, err := fingerprint.HashFile(path)
		if err != nil {
			return false, fmt.Sprintf("hash %s: %v", rec.Path, err)
		}
		if sum != rec.SHA256 {
			return false, fmt.Sprintf("sha256 mismatch for %s", rec.Path)
		}
	}
	return true, ""
}

// Write records files as the slot for source and returns the manifest it
// wrote. Files outside the source directory are copied in first; the
// manifest lands last via an atomic rename. Hashing runs in parallel.
func (c *Cache) Write(source string, files []string, metadata map[string]any) (*Manifest, error) {
	dir := c.Dir(source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := c.intern(dir, f)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	records := make([]FileRecord, len(rels))
	var g errgroup.Group
	g.SetLimit(hashWorkers)
	for i, rel := range rels {
		i, rel := i, rel
		g.Go(func() error {
			path := filepath.Join(dir, rel)
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			sum, err := fingerprint.HashFile(path)
			if err != nil {
				return err
			}
			records[i] = FileRecord{Path: rel, Size: info.Size(), SHA256: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &Manifest{
		Timestamp:  float64(now.UnixNano()) / float64(time.Second),
		Source:     source,
		TTLSeconds: int64(c.TTL / time.Second),
		Files:      records,
		Metadata:   metadata,
		CreatedAt:  now.Format(time.RFC3339Nano),
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, ManifestName), m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFiles returns the absolute paths of the slot's artifacts, or nil when
// the slot is not valid.
func (c *Cache) ReadFiles(source string) []string {
	if ok, _ := c.Valid(source); !ok {
		return nil
	}
	m, err := c.Manifest(source)
	if err != nil {
		return nil
	}
	dir := c.Dir(source)
	out := make([]string, 0, len(m.Files))
	for _, rec := range m.Files {
		out = append(out, filepath.Join(dir, rec.Path))
	}
	return out
}

// Invalidate removes the manifest first, then the rest of the slot, so a
// crash mid-removal still leaves the slot invalid.
func (c *Cache) Invalidate(source string) error {
	dir := c.Dir(source)
	if err := os.Remove(filepath.Join(dir, ManifestName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove manifest for %s: %w", source, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove slot %s: %w", source, err)
	}
	return nil
}

// CollectGlobs resolves doublestar patterns relative to the source directory
// and returns the matching file paths, deduplicated and sorted. The manifest
// itself is never collected.
func (c *Cache) CollectGlobs(source string, patterns []string) ([]string, error) {
	dir := c.Dir(source)
	seen := make(map[string]struct{})
	var out []string
	for _, pat := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pat))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pat, err)
		}
		for _, m := range matches {
			if filepath.Base(m) == ManifestName {
				continue
			}
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// intern makes sure the file lives under dir and returns its path relative
// to dir. Outside files are copied in under their base name.
func (c *Cache) intern(dir, file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", file, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(absDir, abs)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return rel, nil
	}
	dst := filepath.Join(absDir, filepath.Base(abs))
	if err := copyFile(abs, dst); err != nil {
		return "", err
	}
	return filepath.Base(abs), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}
