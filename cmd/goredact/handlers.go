package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/goredact"
	"github.com/brunobiangulo/goredact/strategy"
	"github.com/brunobiangulo/goredact/task"
)

type handler struct {
	engine *goredact.Engine
	api    goredact.APIConfig
}

func newHandler(e *goredact.Engine, api goredact.APIConfig) *handler {
	return &handler{engine: e, api: api}
}

// GET /api/health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := h.engine.TaskCounts(r.Context())
	if err != nil {
		slog.Error("health: counting tasks", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"version": goredact.Version,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": goredact.Version,
		"tasks":   counts,
	})
}

// GET /api/supported_types
func (h *handler) handleSupportedTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"types":            h.engine.Supported(),
		"colors":           strategy.ColorNames,
		"languages":        []string{"zh", "en"},
		"default_language": h.engine.Config().Language,
	})
}

// --- anonymize by server-side path ---

type requestOptions struct {
	Color         string   `json:"color"`
	Char          string   `json:"char"`
	EncryptionKey string   `json:"encryption_key"`
	MaskStyle     string   `json:"mask_style"`
	Columns       []string `json:"columns"`
	Sheets        []string `json:"sheets"`
}

type anonymizeRequest struct {
	FilePath  string   `json:"file_path"`
	FilePaths []string `json:"file_paths"`
	FileType  string   `json:"file_type"`
	Method    string   `json:"method"`
	Language  string   `json:"language"`
	// Accepted at the top level as well as under options.
	Color         string         `json:"color"`
	Char          string         `json:"char"`
	EncryptionKey string         `json:"encryption_key"`
	Options       requestOptions `json:"options"`
}

func (req anonymizeRequest) taskOptions() task.Options {
	o := req.Options
	return task.Options{
		Options: strategy.Options{
			Color:     firstNonEmpty(o.Color, req.Color),
			Char:      firstNonEmpty(o.Char, req.Char),
			PIN:       firstNonEmpty(o.EncryptionKey, req.EncryptionKey),
			Language:  req.Language,
			MaskStyle: o.MaskStyle,
		},
		Columns: o.Columns,
		Sheets:  o.Sheets,
	}
}

func decodeRequest(r *http.Request) (anonymizeRequest, error) {
	var req anonymizeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	return req, nil
}

// POST /api/anonymize/single
func (h *handler) handleAnonymizeSingle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	t, err := h.engine.Submit(r.Context(), task.Spec{
		InputPath: req.FilePath,
		FileType:  req.FileType,
		Method:    req.Method,
		Options:   req.taskOptions(),
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": t.ID, "status": statusOf(t.State)})
}

// POST /api/anonymize/batch
func (h *handler) handleAnonymizeBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.FilePaths) == 0 {
		writeError(w, http.StatusBadRequest, "file_paths is required")
		return
	}
	specs := make([]task.Spec, len(req.FilePaths))
	for i, p := range req.FilePaths {
		specs[i] = task.Spec{InputPath: p, FileType: req.FileType, Method: req.Method, Options: req.taskOptions()}
	}
	st, err := h.engine.SubmitBatch(r.Context(), specs)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": st.ID,
		"task_ids": st.TaskIDs,
		"status":   statusOf(st.State),
	})
}

// --- uploads ---

// POST /api/upload/single
func (h *handler) handleUploadSingle(w http.ResponseWriter, r *http.Request) {
	form, ok := h.parseUpload(w, r)
	if !ok {
		return
	}
	defer form.RemoveAll()

	files := form.File["file"]
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "expected exactly one file in field \"file\"")
		return
	}
	saved, ok := h.saveUploads(w, files)
	if !ok {
		return
	}
	t, err := h.engine.Submit(r.Context(), h.uploadSpec(form, saved[0]))
	if err != nil {
		removeAll(saved)
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  t.ID,
		"status":   statusOf(t.State),
		"filename": files[0].Filename,
	})
}

// POST /api/upload/batch
func (h *handler) handleUploadBatch(w http.ResponseWriter, r *http.Request) {
	form, ok := h.parseUpload(w, r)
	if !ok {
		return
	}
	defer form.RemoveAll()

	files := form.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files in field \"files\"")
		return
	}
	saved, ok := h.saveUploads(w, files)
	if !ok {
		return
	}
	specs := make([]task.Spec, len(saved))
	for i, p := range saved {
		specs[i] = h.uploadSpec(form, p)
	}
	st, err := h.engine.SubmitBatch(r.Context(), specs)
	if err != nil {
		removeAll(saved)
		writeSubmitError(w, err)
		return
	}
	names := make([]string, len(files))
	for i, fh := range files {
		names[i] = fh.Filename
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":  st.ID,
		"task_ids":  st.TaskIDs,
		"status":    statusOf(st.State),
		"filenames": names,
	})
}

func (h *handler) parseUpload(w http.ResponseWriter, r *http.Request) (*multipart.Form, bool) {
	if r.ContentLength > h.api.MaxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.api.MaxUpload))
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.api.MaxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return nil, false
	}
	return r.MultipartForm, true
}

// saveUploads checks every extension first, then stores the files under the
// upload dir as <uuid>_<name>.
func (h *handler) saveUploads(w http.ResponseWriter, files []*multipart.FileHeader) ([]string, bool) {
	formats := h.engine.Formats()
	for _, fh := range files {
		if !formats.Allowed(fh.Filename) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", fh.Filename))
			return nil, false
		}
	}
	if err := os.MkdirAll(h.api.UploadDir, 0o755); err != nil {
		slog.Error("creating upload dir", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return nil, false
	}
	var saved []string
	for _, fh := range files {
		p, err := h.saveUpload(fh)
		if err != nil {
			slog.Error("saving upload", "filename", fh.Filename, "error", err)
			removeAll(saved)
			writeError(w, http.StatusInternalServerError, "failed to store upload")
			return nil, false
		}
		saved = append(saved, p)
	}
	return saved, true
}

func (h *handler) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	// Base strips any client-side directories.
	name := uuid.NewString() + "_" + filepath.Base(filepath.Clean("/"+fh.Filename))
	p := filepath.Join(h.api.UploadDir, name)
	dst, err := os.Create(p)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(p)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(p)
		return "", err
	}
	return p, nil
}

func (h *handler) uploadSpec(form *multipart.Form, path string) task.Spec {
	v := func(k string) string {
		if vs := form.Value[k]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	return task.Spec{
		InputPath: path,
		FileType:  v("file_type"),
		Method:    v("method"),
		Options: task.Options{
			Options: strategy.Options{
				Color:     v("color"),
				Char:      v("char"),
				PIN:       v("encryption_key"),
				Language:  v("language"),
				MaskStyle: v("mask_style"),
			},
			Columns: splitList(v("columns")),
			Sheets:  splitList(v("sheets")),
		},
		TempFiles:   []string{path},
		OwnsOutputs: true,
	}
}

// --- status, cancel, download ---

type taskView struct {
	TaskID           string     `json:"task_id"`
	BatchID          string     `json:"batch_id,omitempty"`
	State            task.State `json:"state"`
	Status           string     `json:"status"`
	Progress         float64    `json:"progress"`
	Message          string     `json:"message,omitempty"`
	Error            string     `json:"error,omitempty"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	FileType         string     `json:"file_type,omitempty"`
	Method           string     `json:"method"`
	InputFiles       []string   `json:"input_files"`
	OutputFilesCount int        `json:"output_files_count"`
	DownloadURLs     []string   `json:"download_urls"`
	OutputFilenames  []string   `json:"output_filenames"`
	StartTime        time.Time  `json:"start_time,omitzero"`
	EndTime          time.Time  `json:"end_time,omitzero"`
	Duration         float64    `json:"duration"` // seconds
}

func newTaskView(t task.Task) taskView {
	v := taskView{
		TaskID:           t.ID,
		BatchID:          t.BatchID,
		State:            t.State,
		Status:           statusOf(t.State),
		Progress:         t.Progress,
		Message:          t.Message,
		Error:            t.Error,
		ErrorKind:        t.ErrorKind,
		FileType:         t.FileType,
		Method:           t.Method,
		InputFiles:       []string{displayName(t.InputPath)},
		OutputFilesCount: len(t.OutputPaths),
		DownloadURLs:     []string{},
		OutputFilenames:  []string{},
		StartTime:        t.StartedAt,
		EndTime:          t.FinishedAt,
		Duration:         t.Duration(time.Now()).Seconds(),
	}
	for i, p := range t.OutputPaths {
		v.DownloadURLs = append(v.DownloadURLs, downloadURL(t.ID, i))
		v.OutputFilenames = append(v.OutputFilenames, filepath.Base(p))
	}
	return v
}

type batchView struct {
	BatchID      string      `json:"batch_id"`
	State        task.State  `json:"state"`
	Status       string      `json:"status"`
	Progress     float64     `json:"progress"`
	Counts       task.Counts `json:"counts"`
	TaskIDs      []string    `json:"task_ids"`
	Tasks        []taskView  `json:"tasks"`
	DownloadURLs []string    `json:"download_urls"`
	CreatedAt    time.Time   `json:"created_at"`
}

func newBatchView(st task.BatchStatus) batchView {
	v := batchView{
		BatchID:      st.ID,
		State:        st.State,
		Status:       statusOf(st.State),
		Progress:     st.Progress,
		Counts:       st.Counts,
		TaskIDs:      st.TaskIDs,
		Tasks:        []taskView{},
		DownloadURLs: []string{},
		CreatedAt:    st.CreatedAt,
	}
	for i, t := range st.Tasks {
		v.Tasks = append(v.Tasks, newTaskView(t))
		if len(t.OutputPaths) > 0 {
			v.DownloadURLs = append(v.DownloadURLs, downloadURL(st.ID, i))
		}
	}
	return v
}

// GET /api/task/{id} reports a task, or a batch when id names one.
func (h *handler) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.engine.Task(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, newTaskView(t))
		return
	}
	if !errors.Is(err, task.ErrNotFound) {
		slog.Error("loading task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	st, err := h.engine.Batch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, newBatchView(st))
}

// DELETE /api/task/{id}
func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.engine.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":   t.ID,
			"cancelled": true,
			"removed":   t.State == task.Pending,
		})
		return
	case errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case !errors.Is(err, task.ErrNotFound):
		slog.Error("cancelling task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	n, err := h.engine.CancelBatch(r.Context(), id)
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		slog.Error("cancelling batch", "batch_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel batch")
	case n == 0:
		writeError(w, http.StatusConflict, "batch already finished")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "cancelled": n})
	}
}

// GET /api/download/{id}/{index}. For a task the index selects one of its
// outputs; for a batch it selects a member and serves its first output.
func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	var path string
	if t, err := h.engine.Task(r.Context(), id); err == nil {
		if index < len(t.OutputPaths) {
			path = t.OutputPaths[index]
		}
	} else if st, err := h.engine.Batch(r.Context(), id); err == nil {
		if index < len(st.Tasks) && len(st.Tasks[index].OutputPaths) > 0 {
			path = st.Tasks[index].OutputPaths[0]
		}
	} else {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "no output at that index")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "output file is gone")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read output")
		return
	}
	name := filepath.Base(path)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// --- helpers ---

// statusOf maps a task state to the lowercase status used by API clients.
func statusOf(s task.State) string {
	switch s {
	case task.Pending:
		return "pending"
	case task.Running:
		return "processing"
	case task.Succeeded:
		return "completed"
	case task.Partial:
		return "partial"
	}
	return "failed"
}

func downloadURL(id string, index int) string {
	return fmt.Sprintf("/api/download/%s/%d", id, index)
}

// displayName drops the <uuid>_ prefix added to uploads.
func displayName(path string) string {
	name := filepath.Base(path)
	if len(name) > 37 && name[36] == '_' {
		if _, err := uuid.Parse(name[:36]); err == nil {
			return name[37:]
		}
	}
	return name
}

func writeSubmitError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, task.ErrQueueFull), errors.Is(err, task.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, os.ErrNotExist):
		status = http.StatusNotFound
	case goredact.Classify(err) == goredact.KindInternal:
		slog.Error("submitting task", "error", err)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "error_kind": goredact.Classify(err)})
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
