// Package fingerprint computes content digests and modification times for
// cataloged files.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"time"

	"lukechampine.com/blake3"
)

// ChunkSize is the read size used when streaming file contents into the hash.
const ChunkSize = 4096

// Result combines the outcome of hashing and stat'ing one path. The two halves
// are independent: either may be missing while the other is present.
type Result struct {
	Digest     string
	HasDigest  bool
	ModTime    time.Time
	HasModTime bool
}

// Of fingerprints path. It never fails; missing data is reported through the
// Has* flags.
func Of(path string) Result {
	var res Result
	res.Digest, res.HasDigest = Digest(path)
	res.ModTime, res.HasModTime = ModTime(path)
	return res
}

// Digest returns the hex BLAKE3-256 digest of the file at path. The second
// return value is false if the file could not be read as a regular file.
func Digest(path string) (string, bool) {
	sum, err := digestFile(path)
	if err != nil {
		return "", false
	}
	return sum, true
}

// Bytes digests in-memory content with the same hash used for files.
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ModTime returns the filesystem modification time of path.
func ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", errors.New("not a regular file")
	}

	h := blake3.New(32, nil)
	buf := make([]byte, ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
