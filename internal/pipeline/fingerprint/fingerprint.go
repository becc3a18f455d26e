// Package fingerprint computes the content hashes and cache keys the
// artifact cache and the engine rely on.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// hashChunkSize matches the manifest contract: files are hashed in 4 KiB
// chunks so arbitrarily large artifacts never load fully into memory.
const hashChunkSize = 4096

// HashFile returns the lowercase hex sha256 of the file at path, streamed
// in fixed-size chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CacheKey derives a stable cache slot identifier from a data source name and
// its distinguishing parameters. The key is the hex md5 of the colon-joined
// printed forms, so equal inputs always map to the same slot.
func CacheKey(source string, params ...any) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, source)
	for _, p := range params {
		parts = append(parts, fmt.Sprint(p))
	}
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// ArgsDigest returns a hex blake3 digest of the canonical JSON form of a
// task argument map. Key order never affects the digest, so two tasks with
// the same effective arguments share one digest.
func ArgsDigest(args map[string]any) (string, error) {
	h := blake3.New()
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vb, err := json.Marshal(args[k])
		if err != nil {
			return "", fmt.Errorf("marshal arg %q: %w", k, err)
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(vb)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
