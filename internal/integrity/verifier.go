// Package integrity provides file digest calculation and verification.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"galion/internal/fault"
)

// Verify checks the file at path against an expected hex digest. A mismatch
// comes back as a digest-mismatch fault; the caller decides whether to keep
// the file.
func Verify(path, algorithm, expected string) error {
	actual, err := HashFile(path, algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fault.New(fault.DigestMismatch, "digest mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return nil
}

// HashFile streams the file through the named hash.
// algorithm is "sha256" or "md5".
func HashFile(path, algorithm string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fault.Wrap(fault.IOFailure, err)
	}
	defer file.Close()

	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fault.Wrap(fault.IOFailure, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SeedHash replays an existing partial file into h so a resumed transfer can
// keep a rolling digest without re-downloading. Returns the byte count fed.
func SeedHash(h hash.Hash, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fault.Wrap(fault.IOFailure, err)
	}
	defer file.Close()

	n, err := io.Copy(h, file)
	if err != nil {
		return n, fault.Wrap(fault.IOFailure, err)
	}
	return n, nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}
