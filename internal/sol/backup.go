package sol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// BackupFile is the append-only store of binary-encoded objects written by
// the file publisher and scanned by the resend path. The publisher is the
// sole writer; scans open an independent read handle, so a scan never blocks
// an append for longer than one record write.
type BackupFile struct {
	path string

	mu sync.Mutex
	w  *os.File
}

// OpenBackup opens the backup file at path, creating it if absent.
func OpenBackup(path string) (*BackupFile, error) {
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sol: opening backup file: %w", err)
	}
	return &BackupFile{path: path, w: w}, nil
}

// Append encodes objs in order and appends them to the file. The batch is
// written in one syscall so a crash cannot interleave records from
// concurrent appends.
func (b *BackupFile) Append(objs []Object) error {
	var batch []byte
	for _, o := range objs {
		bin, err := EncodeBinary(o)
		if err != nil {
			return err
		}
		batch = append(batch, bin...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.w.Write(batch); err != nil {
		return fmt.Errorf("sol: appending to backup file: %w", err)
	}
	return nil
}

// Scan returns every stored object with start <= timestamp <= end, in file
// order. A record that fails to decode ends the scan: everything after a
// corruption point is unrecoverable in a concatenated stream.
func (b *BackupFile) Scan(start, end int64) ([]Object, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("sol: opening backup file for scan: %w", err)
	}
	defer f.Close()

	var objs []Object
	r := bufio.NewReader(f)
	for {
		o, err := DecodeBinary(r)
		if errors.Is(err, io.EOF) {
			return objs, nil
		}
		if err != nil {
			return objs, fmt.Errorf("sol: backup file scan stopped: %w", err)
		}
		if o.Timestamp >= start && o.Timestamp <= end {
			objs = append(objs, o)
		}
	}
}

// Close closes the write handle.
func (b *BackupFile) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Close()
}
