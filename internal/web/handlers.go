package web

// handlers.go implements the import pipeline's JSON API. Handlers stay
// thin: decode, call the service, encode. All pipeline rules live in the
// importer package.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/statementwatch/statementwatch/internal/importer"
)

// operatorHeader carries the reviewer identity, trusted from the external
// auth layer in front of this service.
const operatorHeader = "X-Operator"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_uploads": s.service.ActiveUploads(),
	})
}

// handleUpload accepts a multipart file upload and stages it as a new
// import job. The declared format comes from the "format" form value or,
// absent that, the file extension.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	operator := r.Header.Get(operatorHeader)
	if operator == "" {
		badRequest(w, r, "missing "+operatorHeader+" header")
		return
	}

	maxSize := s.cfg.Upload.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+4096) // allowance for multipart framing

	if err := r.ParseMultipartForm(maxSize); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", importer.ErrFileTooLarge, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "no file provided")
		return
	}
	defer file.Close()

	format := importer.FileFormat(strings.ToLower(r.FormValue("format")))
	if format == "" {
		format = formatFromName(header.Filename)
	}

	ctx, cancel := contextWithTimeout(r, s.cfg.Upload.Timeout)
	defer cancel()

	job, err := s.service.SubmitUpload(ctx, importer.UploadRequest{
		FileName: header.Filename,
		FileSize: header.Size,
		Format:   format,
		Operator: operator,
		Data:     file,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobJSON(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]jobJSON, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobJSON(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	operator := r.Header.Get(operatorHeader)
	if operator == "" {
		badRequest(w, r, "missing "+operatorHeader+" header")
		return
	}

	if err := s.service.DeleteJob(r.Context(), chi.URLParam(r, "jobID"), operator); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := importer.ItemStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		badRequest(w, r, "unknown status filter "+strconv.Quote(string(status)))
		return
	}

	filter := importer.ItemFilter{
		Status:   status,
		Page:     intQuery(r, "page"),
		PageSize: intQuery(r, "page_size"),
	}

	items, err := s.service.ListItems(r.Context(), chi.URLParam(r, "jobID"), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]itemJSON, 0, len(items))
	for _, item := range items {
		out = append(out, toItemJSON(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemJSON(item))
}

// itemActionRequest is the PATCH body for per-row review actions.
type itemActionRequest struct {
	Action     string            `json:"action"`
	Note       string            `json:"note,omitempty"`
	EntityType string            `json:"entity_type,omitempty"`
	Fields     importer.FieldMap `json:"fields,omitempty"`
}

// handleItemAction applies one review action to a quarantined row and
// returns the updated row.
func (s *Server) handleItemAction(w http.ResponseWriter, r *http.Request) {
	operator := r.Header.Get(operatorHeader)
	if operator == "" {
		badRequest(w, r, "missing "+operatorHeader+" header")
		return
	}

	var req itemActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	itemID := chi.URLParam(r, "itemID")
	ctx := r.Context()

	var err error
	switch req.Action {
	case "approve":
		err = s.service.Approve(ctx, itemID, operator)
	case "reject":
		err = s.service.Reject(ctx, itemID, req.Note, operator)
	case "reclassify":
		err = s.service.Reclassify(ctx, itemID, req.EntityType, operator)
	case "edit":
		err = s.service.EditParsedPayload(ctx, itemID, req.Fields, operator)
	case "resubmit":
		err = s.service.Resubmit(ctx, itemID, operator)
	default:
		badRequest(w, r, "unknown action "+strconv.Quote(req.Action))
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	item, err := s.service.GetItem(ctx, itemID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemJSON(item))
}

// bulkApproveRequest selects pending rows for bulk approval.
type bulkApproveRequest struct {
	MinConfidence float64 `json:"min_confidence"`
	EntityType    string  `json:"entity_type,omitempty"`
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	operator := r.Header.Get(operatorHeader)
	if operator == "" {
		badRequest(w, r, "missing "+operatorHeader+" header")
		return
	}

	var req bulkApproveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, r, "invalid request body")
			return
		}
	}

	approved, err := s.service.BulkApprove(r.Context(), chi.URLParam(r, "jobID"), importer.ApprovePredicate{
		MinConfidence: req.MinConfidence,
		EntityType:    importer.EntityType(req.EntityType),
	}, operator)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"approved": approved})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	operator := r.Header.Get(operatorHeader)
	if operator == "" {
		badRequest(w, r, "missing "+operatorHeader+" header")
		return
	}

	result, err := s.service.Execute(r.Context(), chi.URLParam(r, "jobID"), operator)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.AuditTrail(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			ID:        e.ID,
			JobID:     e.JobID,
			ItemID:    e.ItemID,
			Action:    string(e.Action),
			Operator:  e.Operator,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ----------------------------------------------------------------------------
// Response shapes
// ----------------------------------------------------------------------------

type jobJSON struct {
	ID            string    `json:"id"`
	FileName      string    `json:"file_name"`
	FileSize      int64     `json:"file_size"`
	Format        string    `json:"format"`
	Operator      string    `json:"operator"`
	CreatedAt     time.Time `json:"created_at"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
	ApprovedRows  int       `json:"approved_rows"`
	RejectedRows  int       `json:"rejected_rows"`
	Status        string    `json:"status"`
}

func toJobJSON(job *importer.ImportJob) jobJSON {
	return jobJSON{
		ID:            job.ID,
		FileName:      job.FileName,
		FileSize:      job.FileSize,
		Format:        string(job.Format),
		Operator:      job.Operator,
		CreatedAt:     job.CreatedAt,
		TotalRows:     job.TotalRows,
		ProcessedRows: job.ProcessedRows,
		ApprovedRows:  job.ApprovedRows,
		RejectedRows:  job.RejectedRows,
		Status:        string(job.Status),
	}
}

type itemJSON struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	RowNum        int               `json:"row_num"`
	EntityType    string            `json:"entity_type"`
	RawPayload    string            `json:"raw_payload"`
	Parsed        importer.FieldMap `json:"parsed"`
	Status        string            `json:"status"`
	Confidence    float64           `json:"confidence"`
	ReviewNote    string            `json:"review_note,omitempty"`
	CommitError   string            `json:"commit_error,omitempty"`
	Retryable     bool              `json:"retryable"`
	SchemaVersion int               `json:"schema_version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func toItemJSON(item *importer.QuarantineItem) itemJSON {
	return itemJSON{
		ID:            item.ID,
		JobID:         item.JobID,
		RowNum:        item.RowNum,
		EntityType:    string(item.EntityType),
		RawPayload:    item.RawPayload,
		Parsed:        item.Parsed,
		Status:        string(item.Status),
		Confidence:    item.Confidence,
		ReviewNote:    item.ReviewNote,
		CommitError:   item.CommitError,
		Retryable:     item.Retryable,
		SchemaVersion: item.SchemaVersion,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}
}

type auditJSON struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Action    string    `json:"action"`
	Operator  string    `json:"operator"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", "error", err)
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	slog.Warn("bad request",
		"path", r.URL.Path,
		"method", r.Method,
		"reason", message,
	)
	respondErrorJSON(w, importer.UserMessage{
		Message: message,
		Action:  "Correct the request and try again",
		Code:    "REQ001",
	}, http.StatusBadRequest)
}

// formatFromName infers the declared format from the file extension. An
// unknown extension passes through and fails format validation downstream.
func formatFromName(name string) importer.FileFormat {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	return importer.FileFormat(ext)
}

func intQuery(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// contextWithTimeout bounds an operation without losing request
// cancellation.
func contextWithTimeout(r *http.Request, d time.Duration) (ctx context.Context, cancel func()) {
	if d <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), d)
}
