package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileMatchesWholeFileDigest(t *testing.T) {
	// Larger than one hash chunk so the streaming path is exercised.
	content := bytes.Repeat([]byte("ACGT"), 3000)
	path := filepath.Join(t.TempDir(), "seq.fasta")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	a := CacheKey("uniprot", "P12345", 10)
	b := CacheKey("uniprot", "P12345", 10)
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if c := CacheKey("uniprot", "P12345", 11); c == a {
		t.Fatalf("different params should change the key")
	}
	if d := CacheKey("string_db", "P12345", 10); d == a {
		t.Fatalf("different source should change the key")
	}
}

func TestArgsDigestKeyOrderIndependent(t *testing.T) {
	d1, err := ArgsDigest(map[string]any{"protein": "P12345", "limit": 10})
	if err != nil {
		t.Fatalf("ArgsDigest: %v", err)
	}
	d2, err := ArgsDigest(map[string]any{"limit": 10, "protein": "P12345"})
	if err != nil {
		t.Fatalf("ArgsDigest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("key order changed the digest: %s vs %s", d1, d2)
	}
	d3, err := ArgsDigest(map[string]any{"limit": 11, "protein": "P12345"})
	if err != nil {
		t.Fatalf("ArgsDigest: %v", err)
	}
	if d3 == d1 {
		t.Fatalf("different args should change the digest")
	}
}

func TestArgsDigestEmpty(t *testing.T) {
	d, err := ArgsDigest(nil)
	if err != nil {
		t.Fatalf("ArgsDigest: %v", err)
	}
	if d == "" {
		t.Fatalf("expected a digest for empty args")
	}
}
