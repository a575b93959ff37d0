package storage

import "io"

// StorageEngine stores object payloads organized into buckets, identified by
// their SHA-256 hexadecimal hashes.
type StorageEngine interface {
	// PutObject stores the raw object payload identified by its SHA-256
	// hexadecimal hash.
	PutObject(bucket string, hashHex string, data []byte) error

	// PutObjectFromFile stores the payload identified by its SHA-256
	// hexadecimal hash, taking over the file at tempPath.
	PutObjectFromFile(bucket string, hashHex string, tempPath string, size int64) error

	// OpenObject opens a payload for reading.
	OpenObject(bucket string, hashHex string) (io.ReadSeekCloser, error)

	// DeleteObject removes the payload associated with the given hash. A
	// missing payload is not an error.
	DeleteObject(bucket string, hashHex string) error

	// DeleteBucket removes every payload of bucket.
	DeleteBucket(bucket string) error
}
