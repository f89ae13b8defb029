package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// uploadSink is the in-progress attachment sink named upload_sink in §3's
// session field table: an optional (id, target_bytes, bytes_written,
// file_handle) the dispatcher drives through File_Transfer_Request/Chunk/
// Complete (§6.4).
type uploadSink struct {
	id         string
	path       string
	file       *os.File
	targetSize int64
	written    int64
}

// newUploadSink allocates the server-side identifier
// "<unix_ts>_<8 hex>_<sanitized_base>" (§6.4) and opens the file in dir.
func newUploadSink(dir, filename string, size int64) (*uploadSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, fmt.Errorf("generate attachment id: %w", err)
	}
	id := fmt.Sprintf("%d_%s_%s", time.Now().Unix(), hex.EncodeToString(rnd[:]), sanitizeFilename(filename))
	path := filepath.Join(dir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open attachment file: %w", err)
	}
	return &uploadSink{id: id, path: path, file: f, targetSize: size}, nil
}

// write appends a chunk. Exceeding the declared size is a protocol
// violation; the caller tears down the session (§6.4).
func (u *uploadSink) write(chunk []byte) error {
	if u.written+int64(len(chunk)) > u.targetSize {
		return protoErr("upload %s exceeds declared size", u.id)
	}
	n, err := u.file.Write(chunk)
	u.written += int64(n)
	if err != nil {
		return fmt.Errorf("write attachment chunk: %w", err)
	}
	return nil
}

// finish closes the sink and returns its id. Requires the full declared
// size to have been written.
func (u *uploadSink) finish() (string, error) {
	err := u.file.Close()
	if err != nil {
		return "", fmt.Errorf("close attachment file: %w", err)
	}
	if u.written != u.targetSize {
		_ = os.Remove(u.path)
		return "", protoErr("upload %s incomplete: %d/%d bytes", u.id, u.written, u.targetSize)
	}
	return u.id, nil
}

// abandon deletes the partial file. Called on session destruction if the
// upload never completed (§3, §7 PartialUpload).
func (u *uploadSink) abandon() {
	_ = u.file.Close()
	_ = os.Remove(u.path)
}
