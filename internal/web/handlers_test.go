package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statementwatch/statementwatch/internal/canonical"
	"github.com/statementwatch/statementwatch/internal/config"
	"github.com/statementwatch/statementwatch/internal/importer"
)

const sampleCSV = "statement,speaker,said_on\n\"We will cut taxes\",Jane Doe,2024-03-15\n\"The budget is balanced\",John Roe,2024-04-01\n"

// nopWriter records canonical writes without a database.
type nopWriter struct {
	mu     sync.Mutex
	writes int
	fail   bool
}

func (w *nopWriter) Write(ctx context.Context, entity canonical.EntityType, schemaVersion int, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return &canonical.WriteError{Err: fmt.Errorf("write rejected"), Retryable: false}
	}
	w.writes++
	return nil
}

func newTestServer(t *testing.T) (*Server, *nopWriter) {
	t.Helper()

	writer := &nopWriter{}
	svc := importer.NewService(importer.NewMemStore(), writer, importer.Options{
		MaxFileSize:          1 << 20,
		MaxConcurrentUploads: 4,
		UploadWaitTime:       time.Second,
		CommitWorkers:        2,
	})

	cfg := &config.Config{}
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Upload.MaxFileSize = 1 << 20
	cfg.Upload.Timeout = 5 * time.Second
	cfg.Rate.Enabled = false
	cfg.Security.EnableCSP = true

	return NewServer(svc, cfg), writer
}

// multipartUpload builds a multipart request body with a single file part.
func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doRequest(t *testing.T, s *Server, method, path string, body *bytes.Buffer, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func uploadSample(t *testing.T, s *Server) jobJSON {
	t.Helper()

	body, contentType := multipartUpload(t, "statements.csv", sampleCSV)
	rec := doRequest(t, s, http.MethodPost, "/api/jobs", body, map[string]string{
		"Content-Type": contentType,
		operatorHeader: "reviewer@example.org",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job jobJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func decodeItems(t *testing.T, rec *httptest.ResponseRecorder) []itemJSON {
	t.Helper()

	var items []itemJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	return items
}

// ----------------------------------------------------------------------------
// Upload
// ----------------------------------------------------------------------------

func TestHandleUpload(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "statements.csv", job.FileName)
	assert.Equal(t, "csv", job.Format)
	assert.Equal(t, 2, job.TotalRows)
	assert.Equal(t, string(importer.JobPending), job.Status)
}

func TestHandleUpload_MissingOperator(t *testing.T) {
	s, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "statements.csv", sampleCSV)
	rec := doRequest(t, s, http.MethodPost, "/api/jobs", body, map[string]string{
		"Content-Type": contentType,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "REQ001", resp.Code)
}

func TestHandleUpload_NoFile(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("format", "csv"))
	require.NoError(t, mw.Close())

	rec := doRequest(t, s, http.MethodPost, "/api/jobs", &buf, map[string]string{
		"Content-Type": mw.FormDataContentType(),
		operatorHeader: "reviewer@example.org",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpload_UnsupportedFormat(t *testing.T) {
	s, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "statements.xlsx", "binary stuff")
	rec := doRequest(t, s, http.MethodPost, "/api/jobs", body, map[string]string{
		"Content-Type": contentType,
		operatorHeader: "reviewer@example.org",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UPL001", resp.Code)
}

func TestHandleUpload_EmptyFile(t *testing.T) {
	s, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "empty.csv", "")
	rec := doRequest(t, s, http.MethodPost, "/api/jobs", body, map[string]string{
		"Content-Type": contentType,
		operatorHeader: "reviewer@example.org",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ----------------------------------------------------------------------------
// Job registry
// ----------------------------------------------------------------------------

func TestHandleListAndGetJob(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/no-such-job", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "JOB001", resp.Code)
}

func TestHandleDeleteJob(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)

	rec := doRequest(t, s, http.MethodDelete, "/api/jobs/"+job.ID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "operator header required")

	rec = doRequest(t, s, http.MethodDelete, "/api/jobs/"+job.ID, nil, map[string]string{
		operatorHeader: "reviewer@example.org",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListItems(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/items", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeItems(t, rec)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].RowNum)
	assert.Equal(t, string(importer.StatusPending), items[0].Status)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/items?page=1&page_size=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeItems(t, rec), 1)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/items?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ----------------------------------------------------------------------------
// Review actions
// ----------------------------------------------------------------------------

func patchItem(t *testing.T, s *Server, itemID string, req itemActionRequest) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	return doRequest(t, s, http.MethodPatch, "/api/items/"+itemID, bytes.NewBuffer(body), map[string]string{
		"Content-Type": "application/json",
		operatorHeader: "reviewer@example.org",
	})
}

func TestHandleItemAction_ApproveReject(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)
	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/items", nil, nil)
	items := decodeItems(t, rec)
	require.Len(t, items, 2)

	rec = patchItem(t, s, items[0].ID, itemActionRequest{Action: "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated itemJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, string(importer.StatusApproved), updated.Status)

	rec = patchItem(t, s, items[1].ID, itemActionRequest{Action: "reject", Note: "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, string(importer.StatusRejected), updated.Status)
	assert.Equal(t, "duplicate", updated.ReviewNote)

	// Re-approving a rejected row is an illegal transition.
	rec = patchItem(t, s, items[1].ID, itemActionRequest{Action: "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleItemAction_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)
	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/items", nil, nil)
	items := decodeItems(t, rec)

	rec = patchItem(t, s, items[0].ID, itemActionRequest{Action: "vaporize"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = patchItem(t, s, "no-such-item", itemActionRequest{Action: "approve"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = patchItem(t, s, items[0].ID, itemActionRequest{Action: "reclassify", EntityType: "meme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = patchItem(t, s, items[0].ID, itemActionRequest{Action: "reclassify", EntityType: "person"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleBulkApprove(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)

	body := bytes.NewBufferString(`{"min_confidence": 0.5}`)
	rec := doRequest(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/approve", body, map[string]string{
		"Content-Type": "application/json",
		operatorHeader: "reviewer@example.org",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["approved"])
}

// ----------------------------------------------------------------------------
// Execute
// ----------------------------------------------------------------------------

func TestHandleExecute(t *testing.T) {
	s, writer := newTestServer(t)

	job := uploadSample(t, s)

	rec := doRequest(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/approve", bytes.NewBufferString(`{}`), map[string]string{
		"Content-Type": "application/json",
		operatorHeader: "reviewer@example.org",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/execute", nil, map[string]string{
		operatorHeader: "reviewer@example.org",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result importer.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, writer.writes)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID, nil, nil)
	var updated jobJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, string(importer.JobImported), updated.Status)
}

func TestHandleExecute_MissingOperator(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)
	rec := doRequest(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/execute", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ----------------------------------------------------------------------------
// Audit
// ----------------------------------------------------------------------------

func TestHandleAuditTrail(t *testing.T) {
	s, _ := newTestServer(t)

	job := uploadSample(t, s)
	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/items", nil, nil)
	items := decodeItems(t, rec)
	rec = patchItem(t, s, items[0].ID, itemActionRequest{Action: "approve"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []auditJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "upload", entries[0].Action)
	assert.Equal(t, "approve", entries[1].Action)
}

// ----------------------------------------------------------------------------
// Infrastructure
// ----------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"ok"`))
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("10.0.0.1"), "request %d should pass", i)
	}
	assert.False(t, rl.allow("10.0.0.1"), "limit exhausted")
	assert.True(t, rl.allow("10.0.0.2"), "independent per IP")
}
