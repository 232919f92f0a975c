package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"

	locationagent "github.com/geoloop/LocationAgent"
)

// jsonlSink appends one JSON document per sample to a journal file so
// the history survives restarts. Error records go to a sibling file with
// an ".errors" suffix, opened lazily on first use.
type jsonlSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer

	errFile   *os.File
	errWriter *bufio.Writer
}

func newJSONLSink(path string) (Sink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, pkgerrors.New("storage: jsonl path is empty")
	}
	if err := ensureDirExists(filepath.Dir(trimmed)); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open jsonl file failed")
	}
	return &jsonlSink{path: trimmed, file: file, writer: bufio.NewWriter(file)}, nil
}

func (j *jsonlSink) WriteSample(_ context.Context, sample locationagent.Sample) error {
	if j == nil || j.writer == nil {
		return pkgerrors.New("storage: jsonl sink nil")
	}
	payload, err := json.Marshal(buildSampleRow(sample))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: marshal sample row failed")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return writeJSONLine(j.writer, payload)
}

func (j *jsonlSink) WriteError(_ context.Context, record locationagent.ErrorRecord) error {
	if j == nil {
		return pkgerrors.New("storage: jsonl sink nil")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: marshal error record failed")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.errWriter == nil {
		file, err := os.OpenFile(j.path+".errors", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: open jsonl error file failed")
		}
		j.errFile = file
		j.errWriter = bufio.NewWriter(file)
	}
	return writeJSONLine(j.errWriter, payload)
}

func writeJSONLine(w *bufio.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return pkgerrors.Wrap(err, "storage: write json payload failed")
	}
	if err := w.WriteByte('\n'); err != nil {
		return pkgerrors.Wrap(err, "storage: write newline failed")
	}
	if err := w.Flush(); err != nil {
		return pkgerrors.Wrap(err, "storage: flush json writer failed")
	}
	return nil
}

func (j *jsonlSink) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "storage: flush on close failed"))
		}
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "storage: close jsonl file failed"))
		}
	}
	if j.errWriter != nil {
		if err := j.errWriter.Flush(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "storage: flush error journal failed"))
		}
	}
	if j.errFile != nil {
		if err := j.errFile.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "storage: close error journal failed"))
		}
	}
	return errors.Join(errs...)
}

func (j *jsonlSink) Name() string {
	if j == nil || j.path == "" {
		return "jsonl"
	}
	return j.path
}

// buildSampleRow flattens a sample into the journal row shape: the
// source status payload plus the coordinates, the source fix time as
// timestamp_str and the append time as updated_at.
func buildSampleRow(sample locationagent.Sample) map[string]any {
	row := make(map[string]any, len(sample.Status)+5)
	for k, v := range sample.Status {
		row[k] = v
	}
	row["entity_id"] = sample.EntityID
	row["latitude"] = sample.Latitude
	row["longitude"] = sample.Longitude
	if sample.CapturedAt != "" {
		row["timestamp_str"] = sample.CapturedAt
	}
	row["updated_at"] = sample.RecordedAt
	return row
}
