package importer

// gateway.go is the ingestion gateway: it accepts an uploaded file, enforces
// size and format limits before reading any row, streams the file row by row
// through the normalizer, and persists the job header plus one quarantine
// row per data row as a single logical unit. Nothing partial ever becomes
// visible: the only write is the final CreateJob.

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/statementwatch/statementwatch/internal/canonical"
)

// UploadRequest describes one file submission. Operator identity is trusted
// from the external auth layer.
type UploadRequest struct {
	FileName string
	FileSize int64 // declared size in bytes; checked against the ceiling
	Format   FileFormat
	Operator string
	Data     io.Reader
}

// SubmitUpload stages an uploaded file. It returns the created job (with
// derived counters) or one of the upload-time errors: ErrInvalidFormat,
// ErrFileTooLarge, ErrEmptyFile, ErrTooManyUploads. On any error, including
// context cancellation mid-stream, no job and no rows are persisted.
func (s *Service) SubmitUpload(ctx context.Context, req UploadRequest) (*ImportJob, error) {
	if !req.Format.Supported() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, req.Format)
	}
	if req.FileSize > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrFileTooLarge, req.FileSize, s.maxFileSize)
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	jobID := uuid.New().String()
	now := time.Now().UTC()

	// A hard reader limit backs up the declared-size check so a lying
	// client cannot stream past the ceiling.
	limited := &limitedReader{r: req.Data, remaining: s.maxFileSize}

	var (
		items []*QuarantineItem
		err   error
	)
	switch req.Format {
	case FormatCSV:
		items, err = s.stageCSV(ctx, jobID, limited, now)
	case FormatJSON:
		items, err = s.stageJSON(ctx, jobID, limited, now)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyFile
	}

	job := &ImportJob{
		ID:        jobID,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		Format:    req.Format,
		Operator:  req.Operator,
		TotalRows: len(items),
		CreatedAt: now,
	}

	if err := s.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logAudit(ctx, AuditEntry{
		ID:       uuid.New().String(),
		JobID:    jobID,
		Action:   ActionUpload,
		Operator: req.Operator,
		Detail:   fmt.Sprintf("%s (%s, %d rows)", req.FileName, req.Format, len(items)),
	})

	slog.Info("upload staged",
		"job_id", jobID,
		"file", req.FileName,
		"format", req.Format,
		"rows", len(items),
		"operator", req.Operator,
	)

	if err := s.deriveCounters(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// stageCSV reads a CSV stream row by row. The first record is the header;
// every later record is a data row. Structurally broken rows (wrong column
// count, parser errors) still produce an item with an empty parsed payload
// and a note, rather than aborting the job.
func (s *Service) stageCSV(ctx context.Context, jobID string, r io.Reader, now time.Time) ([]*QuarantineItem, error) {
	rec := &rawRecorder{r: r}
	reader := csv.NewReader(rec)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = CleanCell(header[i])
	}
	offset := reader.InputOffset()
	rec.discard(offset)

	var items []*QuarantineItem
	rowNum := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++

		// The verbatim source text of this record, quoting and all.
		end := reader.InputOffset()
		rawLine := rec.line(offset, end)
		offset = end

		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, fmt.Errorf("read csv row %d: %w", rowNum, err)
			}
			items = append(items, failedParseItem(jobID, rowNum, rawLine, fmt.Sprintf("csv parse error: %v", err), now))
			continue
		}

		if len(record) != len(header) {
			note := fmt.Sprintf("expected %d columns, got %d", len(header), len(record))
			items = append(items, failedParseItem(jobID, rowNum, rawLine, note, now))
			continue
		}

		raw := make(RawRow, len(header))
		for i, col := range header {
			raw[col] = record[i]
		}
		items = append(items, s.stageRow(jobID, rowNum, rawLine, raw, FormatCSV, now))
	}

	return items, nil
}

// rawRecorder tees a CSV stream into a buffer so each record's verbatim
// source text can be recovered by input offset. Consumed text is discarded
// as records are sliced off, so the buffer never holds more than one record.
type rawRecorder struct {
	r    io.Reader
	buf  bytes.Buffer
	base int64 // stream offset of the first buffered byte
}

func (rr *rawRecorder) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if n > 0 {
		rr.buf.Write(p[:n])
	}
	return n, err
}

// line returns the source text between two stream offsets, without the
// trailing line terminator, and discards the buffer through end.
func (rr *rawRecorder) line(start, end int64) string {
	if end <= start {
		return ""
	}
	b := rr.buf.Bytes()
	raw := strings.TrimRight(string(b[start-rr.base:end-rr.base]), "\r\n")
	rr.discard(end)
	return raw
}

// discard drops buffered text up to the given stream offset.
func (rr *rawRecorder) discard(end int64) {
	rr.buf.Next(int(end - rr.base))
	rr.base = end
}

// stageJSON reads a JSON array of flat objects with a streaming decoder, so
// large files never sit in memory whole. Array elements that are not
// objects, or that fail to decode, are staged with a parse note.
func (s *Service) stageJSON(ctx context.Context, jobID string, r io.Reader, now time.Time) ([]*QuarantineItem, error) {
	dec := json.NewDecoder(r)

	token, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read json start token: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("%w: json payload must be an array of objects", ErrInvalidFormat)
	}

	var items []*QuarantineItem
	rowNum := 0
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowNum++

		var element json.RawMessage
		if err := dec.Decode(&element); err != nil {
			return nil, fmt.Errorf("decode json row %d: %w", rowNum, err)
		}

		var obj map[string]any
		if err := json.Unmarshal(element, &obj); err != nil {
			items = append(items, failedParseItem(jobID, rowNum, string(element),
				fmt.Sprintf("row is not a json object: %v", err), now))
			continue
		}

		raw := make(RawRow, len(obj))
		for k, v := range obj {
			raw[k] = jsonScalar(v)
		}
		items = append(items, s.stageRow(jobID, rowNum, string(element), raw, FormatJSON, now))
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read json end token: %w", err)
	}
	return items, nil
}

// stageRow normalizes one well-formed row into a pending quarantine item.
func (s *Service) stageRow(jobID string, rowNum int, rawLine string, raw RawRow, format FileFormat, now time.Time) *QuarantineItem {
	normalized := NormalizeRow(raw, format)
	return &QuarantineItem{
		ID:            uuid.New().String(),
		JobID:         jobID,
		RowNum:        rowNum,
		EntityType:    normalized.EntityType,
		RawPayload:    rawLine,
		Parsed:        normalized.Fields,
		Status:        StatusPending,
		Confidence:    normalized.Confidence,
		SchemaVersion: canonical.SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// failedParseItem stages a row the parser could not handle: raw payload
// preserved, parsed payload empty, confidence zero, note describing the
// failure. The reviewer decides its fate.
func failedParseItem(jobID string, rowNum int, rawLine, note string, now time.Time) *QuarantineItem {
	return &QuarantineItem{
		ID:            uuid.New().String(),
		JobID:         jobID,
		RowNum:        rowNum,
		EntityType:    canonical.Statement,
		RawPayload:    rawLine,
		Parsed:        FieldMap{},
		Status:        StatusPending,
		Confidence:    0,
		ReviewNote:    note,
		SchemaVersion: canonical.SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// jsonScalar renders a decoded JSON value as the raw string the normalizer
// expects; nested structures are re-encoded verbatim.
func jsonScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// limitedReader errors with ErrFileTooLarge once more than the configured
// ceiling has been read. A file of exactly the ceiling size is allowed; the
// error fires only when bytes arrive past it.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Ceiling spent. Only EOF may follow; any further data is too much.
		var b [1]byte
		n, err := l.r.Read(b[:])
		if n > 0 {
			return 0, ErrFileTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrFileTooLarge
	}
	return n, err
}
