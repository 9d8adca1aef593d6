// Package handler provides the HTTP API for the upload service.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/service"
)

// multipartMemoryLimit caps how much of a chunk form is buffered in memory
// before spilling to disk.
const multipartMemoryLimit = 32 << 20 // 32MB

// UploadHandler handles upload session API requests.
type UploadHandler struct {
	uploads *service.UploadService
	config  UploadConfigInfo
	logger  zerolog.Logger
}

// UploadConfigInfo is the client-visible upload configuration, served on
// GET /api/config so clients can size their chunks before initializing.
type UploadConfigInfo struct {
	ChunkSize   int64 `json:"chunk_size"`
	MaxFileSize int64 `json:"max_file_size"`
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(uploads *service.UploadService, config UploadConfigInfo, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		uploads: uploads,
		config:  config,
		logger:  logger.With().Str("handler", "upload").Logger(),
	}
}

// RegisterRoutes registers upload API routes.
func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/upload/init", h.handleInit)
	r.Post("/api/upload/chunk", h.handleChunk)
	r.Post("/api/upload/complete", h.handleComplete)
	r.Get("/api/upload/status/{id}", h.handleStatus)
	r.Get("/api/upload/resume/{id}", h.handleResume)
	r.Delete("/api/upload/{id}", h.handleCancel)
	r.Get("/api/config", h.handleConfig)
}

// =============================================================================
// Request/Response Structs
// =============================================================================

type initRequest struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
}

type initResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

type chunkResponse struct {
	UploadID      string  `json:"upload_id"`
	ChunkIndex    int     `json:"chunk_index"`
	PartRef       string  `json:"part_ref"`
	AdmittedCount int     `json:"uploaded_chunks"`
	TotalChunks   int     `json:"total_chunks"`
	Progress      float64 `json:"progress"`
}

type completeRequest struct {
	UploadID string `json:"upload_id"`
}

type completeResponse struct {
	UploadID       string `json:"upload_id"`
	Filename       string `json:"filename"`
	FileSize       int64  `json:"file_size"`
	PartsCommitted int    `json:"parts_committed"`
	ObjectHandle   string `json:"object_handle"`
}

type statusResponse struct {
	UploadID        string  `json:"upload_id"`
	Filename        string  `json:"filename"`
	FileSize        int64   `json:"file_size"`
	ChunkSize       int64   `json:"chunk_size"`
	AdmittedCount   int     `json:"uploaded_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	State           string  `json:"state"`
	Progress        float64 `json:"progress"`
	AdmittedIndices []int   `json:"uploaded_indices,omitempty"`
	MissingIndices  []int   `json:"missing_indices,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// handleInit initializes a new upload session.
func (h *UploadHandler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "invalid JSON body"})
		return
	}

	out, err := h.uploads.Create(r.Context(), service.CreateInput{
		Filename: req.Filename,
		FileSize: req.FileSize,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, initResponse{
		UploadID:    out.UploadID,
		ChunkSize:   out.ChunkSize,
		TotalChunks: out.TotalChunks,
	})
}

// handleChunk admits one chunk, sent as a multipart form with fields
// upload_id, chunk_index and file.
func (h *UploadHandler) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "invalid multipart form"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	uploadID := r.FormValue("upload_id")
	if uploadID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "upload_id is required"})
		return
	}

	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "chunk_index must be an integer"})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "file field is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "failed to read chunk data"})
		return
	}

	out, err := h.uploads.AdmitChunk(r.Context(), service.AdmitChunkInput{
		UploadID: uploadID,
		Index:    index,
		Data:     data,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chunkResponse{
		UploadID:      uploadID,
		ChunkIndex:    index,
		PartRef:       out.PartRef,
		AdmittedCount: out.AdmittedCount,
		TotalChunks:   out.TotalChunks,
		Progress:      out.Progress,
	})
}

// handleComplete finalizes an upload.
func (h *UploadHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "invalid JSON body"})
		return
	}
	if req.UploadID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "InvalidRequest", Message: "upload_id is required"})
		return
	}

	out, err := h.uploads.Complete(r.Context(), req.UploadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		UploadID:       out.UploadID,
		Filename:       out.Filename,
		FileSize:       out.FileSize,
		PartsCommitted: out.PartsCommitted,
		ObjectHandle:   out.ObjectHandle,
	})
}

// handleStatus reports session state and progress.
func (h *UploadHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.uploads.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusFromOutput(out))
}

// handleResume reports status plus admitted and missing chunk indices.
func (h *UploadHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	out, err := h.uploads.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := statusFromOutput(&out.StatusOutput)
	resp.AdmittedIndices = out.AdmittedIndices
	resp.MissingIndices = out.MissingIndices
	// Encode empty slices as [] rather than omitting them; a fully-admitted
	// session legitimately has no missing indices.
	if resp.AdmittedIndices == nil {
		resp.AdmittedIndices = []int{}
	}
	if resp.MissingIndices == nil {
		resp.MissingIndices = []int{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCancel cancels an upload session.
func (h *UploadHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "id")

	if err := h.uploads.Cancel(r.Context(), uploadID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"upload_id": uploadID,
		"state":     string(domain.SessionStateCancelled),
	})
}

// handleConfig reports the client-visible upload configuration.
func (h *UploadHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config)
}

func statusFromOutput(out *service.StatusOutput) statusResponse {
	return statusResponse{
		UploadID:      out.UploadID,
		Filename:      out.Filename,
		FileSize:      out.FileSize,
		ChunkSize:     out.ChunkSize,
		AdmittedCount: out.AdmittedCount,
		TotalChunks:   out.TotalChunks,
		State:         string(out.State),
		Progress:      out.Progress,
	}
}
