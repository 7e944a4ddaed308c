package aggregation

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// Sink receives every finished output artifact. *objectstore.Client
// satisfies it.
type Sink interface {
	Upload(ctx context.Context, name, filePath, contentType string) error
}

const ndjsonContentType = "application/fhir+ndjson"

// OutputPath is the plain file of a batch file name.
func OutputPath(exportPath, fileName string) string {
	return filepath.Join(exportPath, fileName+".ndjson")
}

// EncryptedOutputPath is the encrypted file of a batch file name.
func EncryptedOutputPath(exportPath, fileName string) string {
	return filepath.Join(exportPath, fileName+".ndjson.enc")
}

// MetadataPath is the key metadata file of an encrypted batch file.
func MetadataPath(exportPath, fileName string) string {
	return filepath.Join(exportPath, fileName+"-metadata.json")
}

type writerOptions struct {
	exportPath       string
	resourcesPerFile int
	encryptionKey    string // empty disables encryption
	sink             Sink
}

// resourceWriter writes one resource type of one batch as a series of
// ndjson files, rolling over every resourcesPerFile records. It is not safe
// for concurrent use; the processor drives all writers from one goroutine.
type resourceWriter struct {
	batch *domain.JobQueueBatch
	rt    domain.ResourceType
	opts  writerOptions

	// current file state
	open     bool
	seq      int
	count    int // records in the current file
	reported int // records already reported to the batch
	file     *os.File
	buf      *bufio.Writer
	hash     hash.Hash
	length   int64
}

// newResourceWriter resumes after the batch's latest file of rt, if any.
// A file that is already full was finalized when it filled up.
func newResourceWriter(batch *domain.JobQueueBatch, rt domain.ResourceType, opts writerOptions) *resourceWriter {
	w := &resourceWriter{batch: batch, rt: rt, opts: opts}
	if latest := batch.LatestFile(rt); latest != nil {
		w.seq = latest.Sequence
		w.count = latest.Count
		w.reported = latest.Count
		w.length = latest.FileLength
		if latest.Count >= opts.resourcesPerFile {
			w.seq++
			w.count, w.reported, w.length = 0, 0, 0
		}
	}
	return w
}

func (w *resourceWriter) fileName() string {
	return domain.FormOutputFileName(w.batch.BatchID, w.rt, w.seq)
}

// Write appends records, rolling over to a new file when the current one fills.
func (w *resourceWriter) Write(ctx context.Context, records []json.RawMessage) error {
	for _, r := range records {
		if err := w.ensureOpen(); err != nil {
			return err
		}
		if err := w.writeLine(r); err != nil {
			return err
		}
		if w.count >= w.opts.resourcesPerFile {
			if err := w.finalize(ctx); err != nil {
				return err
			}
			w.seq++
			w.count, w.reported, w.length = 0, 0, 0
		}
	}
	return nil
}

// writeLine writes record compacted onto a single line.
func (w *resourceWriter) writeLine(record json.RawMessage) error {
	var line bytes.Buffer
	line.Grow(len(record) + 1)
	if err := json.Compact(&line, record); err != nil {
		return fmt.Errorf("invalid %s record: %w", w.rt, err)
	}
	line.WriteByte('\n')

	n, err := w.buf.Write(line.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", w.fileName(), err)
	}
	w.hash.Write(line.Bytes())
	w.length += int64(n)
	w.count++
	return nil
}

// ensureOpen opens the current sequence, appending to the bytes an earlier
// lease already checkpointed. Bytes past the checkpointed length are
// discarded.
func (w *resourceWriter) ensureOpen() error {
	if w.open {
		return nil
	}
	if err := os.MkdirAll(w.opts.exportPath, 0o750); err != nil {
		return fmt.Errorf("failed to create export path: %w", err)
	}

	path := OutputPath(w.opts.exportPath, w.fileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := f.Truncate(w.length); err != nil {
		f.Close()
		return fmt.Errorf("failed to truncate %s: %w", path, err)
	}

	h := sha256.New()
	if w.length > 0 {
		if _, err := io.Copy(h, io.LimitReader(f, w.length)); err != nil {
			f.Close()
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
	}
	if _, err := f.Seek(w.length, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("failed to seek %s: %w", path, err)
	}

	w.file = f
	w.buf = bufio.NewWriter(f)
	w.hash = h
	w.open = true
	return nil
}

// Checkpoint flushes buffered records and reports them to the batch.
func (w *resourceWriter) Checkpoint() error {
	if !w.open {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.fileName(), err)
	}
	w.report(w.hash.Sum(nil), w.length)
	return nil
}

func (w *resourceWriter) report(checksum []byte, length int64) {
	w.batch.AddFile(domain.JobQueueBatchFile{
		BatchID:      w.batch.BatchID,
		JobID:        w.batch.JobID,
		ResourceType: w.rt,
		Sequence:     w.seq,
		FileName:     w.fileName(),
		Count:        w.count - w.reported,
		Checksum:     checksum,
		FileLength:   length,
	})
	w.reported = w.count
}

// finalize closes the current file, encrypts and uploads it, and reports
// the artifact's checksum and length.
func (w *resourceWriter) finalize(ctx context.Context) error {
	if !w.open {
		return nil
	}
	w.open = false

	name := w.fileName()
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	artifact := OutputPath(w.opts.exportPath, name)
	checksum, length := w.hash.Sum(nil), w.length

	if w.opts.encryptionKey != "" {
		encrypted := EncryptedOutputPath(w.opts.exportPath, name)
		if err := encryptFile(artifact, encrypted, MetadataPath(w.opts.exportPath, name), w.opts.encryptionKey); err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", name, err)
		}
		var err error
		if checksum, length, err = hashFile(encrypted); err != nil {
			return err
		}
		artifact = encrypted
	}

	if w.opts.sink != nil {
		if err := w.opts.sink.Upload(ctx, filepath.Base(artifact), artifact, ndjsonContentType); err != nil {
			return err
		}
		if w.opts.encryptionKey != "" {
			meta := MetadataPath(w.opts.exportPath, name)
			if err := w.opts.sink.Upload(ctx, filepath.Base(meta), meta, "application/json"); err != nil {
				return err
			}
		}
	}

	w.report(checksum, length)
	return nil
}

// Close finalizes the current file, including one resumed from an earlier
// lease that received no new records.
func (w *resourceWriter) Close(ctx context.Context) error {
	if !w.open && w.length > 0 {
		if err := w.ensureOpen(); err != nil {
			return err
		}
	}
	return w.finalize(ctx)
}

// abort releases the open file without finalizing it.
func (w *resourceWriter) abort() {
	if w.open {
		w.open = false
		w.file.Close()
	}
}

func hashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum(nil), n, nil
}
