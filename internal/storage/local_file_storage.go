package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// LocalFileStorage is a StorageEngine implementation that stores object
// payloads on the local filesystem under a content-addressed layout rooted at
// dataDir. Each bucket gets its own subdirectory, and within each bucket
// objects are addressed by their full SHA-256 hexadecimal hash, with the
// first two characters used as a subdirectory prefix.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

// ObjectPath computes the full filesystem path for the object identified by
// hashHex within the given bucket.
func ObjectPath(directory string, bucket string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	subdir := hashHex[:2]
	return filepath.Join(directory, bucket, subdir, hashHex), nil
}

// LocateExistingObject returns the copies of a payload already stored in
// other buckets.
func LocateExistingObject(directory string, targetObject string, hashHex string, size int64) []string {
	subdir := hashHex[:2]
	pattern := filepath.Join(directory, "*", subdir, hashHex)
	matches, _ := filepath.Glob(pattern)

	results := make([]string, 0)
	for _, existing := range matches {
		if existing == targetObject {
			continue
		}

		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		if info.Size() != size {
			continue
		}

		results = append(results, existing)
	}

	return results
}

// linkExisting hard links objPath to a copy of the same payload from another
// bucket. It reports whether it succeeded.
func (s *LocalFileStorage) linkExisting(objPath string, hashHex string, size int64) bool {
	for _, existing := range LocateExistingObject(s.dataDir, objPath, hashHex, size) {
		if err := CopyOrLinkFile(existing, objPath); err == nil {
			return true
		}
	}
	return false
}

func (s *LocalFileStorage) PutObject(bucket string, hashHex string, data []byte) error {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	if s.linkExisting(objPath, hashHex, int64(len(data))) {
		return nil
	}
	return atomic.WriteFile(objPath, bytes.NewReader(data))
}

// PutObjectFromFile stores an object whose payload already exists on disk at
// tempPath. It uses the same content-addressed layout and cross-bucket
// deduplication strategy as PutObject, but avoids loading the entire payload
// into memory.
func (s *LocalFileStorage) PutObjectFromFile(bucket string, hashHex string, tempPath string, size int64) error {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	if s.linkExisting(objPath, hashHex, size) {
		return nil
	}
	return MoveFile(tempPath, objPath)
}

func (s *LocalFileStorage) OpenObject(bucket string, hashHex string) (io.ReadSeekCloser, error) {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}

func (s *LocalFileStorage) DeleteObject(bucket string, hashHex string) error {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteBucket removes all on-disk payloads for the given bucket by
// recursively deleting the bucket's directory under the storage root.
func (s *LocalFileStorage) DeleteBucket(bucket string) error {
	bucketPath := filepath.Join(s.dataDir, bucket)
	return os.RemoveAll(bucketPath)
}
