package devstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"s3console/internal/sigv4"
)

// streamingPrefix starts every aws-chunked content hash, signed or
// unsigned, with or without trailers.
const streamingPrefix = "STREAMING-"

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (chunked) payload into f while computing the SHA-256 hash of the decoded
// payload. It returns the decoded length and the payload hash.
func decodeStreamingPayload(f io.Writer, body io.Reader, decodedLen int64) (int64, string, error) {
	br := bufio.NewReader(body)

	h := sha256.New()
	var written int64
	buf := make([]byte, 32*1024)

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, "", errors.New("unexpected EOF while reading chunk header")
			}
			return 0, "", fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return 0, "", fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		if size == 0 {
			// The final chunk is followed by a CRLF and optional trailers.
			_, _ = br.ReadString('\n')
			break
		}

		limited := &io.LimitedReader{R: br, N: size}
		n, err := io.CopyBuffer(f, io.TeeReader(limited, h), buf)
		if err != nil {
			return 0, "", fmt.Errorf("read chunk body: %w", err)
		}
		if n != size {
			return 0, "", fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d", size, n)
		}
		written += n

		if err := expectCRLF(br); err != nil {
			return 0, "", err
		}
	}

	// Some clients misreport the decoded length; the storage layer relies on
	// what was actually decoded.
	if decodedLen >= 0 && written != decodedLen {
		slog.Debug("Decoded streaming payload length mismatch", "expected", decodedLen, "actual", written)
	}

	return written, hex.EncodeToString(h.Sum(nil)), nil
}

func expectCRLF(br *bufio.Reader) error {
	for _, want := range []byte{'\r', '\n'} {
		b, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("read chunk terminator: %w", err)
		}
		if b != want {
			return fmt.Errorf("expected %q after chunk, got %q", want, b)
		}
	}
	return nil
}

// payloadError is a request body problem reported to the client as an S3
// error.
type payloadError struct {
	Code    string
	Message string
}

func (e *payloadError) Error() string {
	return e.Code + ": " + e.Message
}

// receivePayload writes the body of r into f, decoding streaming uploads.
// Plain bodies are checked against a hex X-Amz-Content-Sha256 header.
func receivePayload(f io.Writer, r *http.Request) (int64, string, error) {
	contentSHA := r.Header.Get(sigv4.HeaderContentSHA256)

	if strings.HasPrefix(strings.ToUpper(contentSHA), streamingPrefix) {
		decodedLenStr := r.Header.Get("X-Amz-Decoded-Content-Length")
		if decodedLenStr == "" {
			return 0, "", &payloadError{"InvalidRequest", "Missing X-Amz-Decoded-Content-Length for streaming payload"}
		}
		decodedLen, err := strconv.ParseInt(decodedLenStr, 10, 64)
		if err != nil || decodedLen < 0 {
			return 0, "", &payloadError{"InvalidRequest", "Invalid X-Amz-Decoded-Content-Length"}
		}

		size, hashHex, err := decodeStreamingPayload(f, r.Body, decodedLen)
		if err != nil {
			slog.Debug("Decode streaming payload", "err", err)
			return 0, "", &payloadError{"InvalidRequest", "Failed to decode streaming payload"}
		}
		return size, hashHex, nil
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r.Body)
	if err != nil {
		slog.Debug("Read request body", "err", err)
		return 0, "", &payloadError{"InvalidRequest", "Failed to read request body"}
	}
	hashHex := hex.EncodeToString(h.Sum(nil))

	if isHexSHA256(contentSHA) && !strings.EqualFold(contentSHA, hashHex) {
		return 0, "", &payloadError{"XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed."}
	}
	return size, hashHex, nil
}

func isHexSHA256(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// receiveToTemp stores the body of r in a new file under dir. The caller
// removes the file.
func receiveToTemp(dir string, r *http.Request) (path string, size int64, hashHex string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, "", err
	}

	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", 0, "", err
	}
	path = f.Name()

	size, hashHex, err = receivePayload(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, "", err
	}
	return path, size, hashHex, nil
}

// writePayloadError answers with the S3 error for a body problem.
func writePayloadError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *payloadError
	if errors.As(err, &perr) {
		writeS3Error(w, perr.Code, perr.Message, r.URL.Path, http.StatusBadRequest)
		return
	}
	slog.Error("Receive payload", "path", r.URL.Path, "err", err)
	writeInternalError(w, r)
}
