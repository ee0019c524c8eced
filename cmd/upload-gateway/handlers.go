package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apitypes "github.com/lgulliver/chunkstone/cmd/upload-gateway/types"
	"github.com/lgulliver/chunkstone/internal/upload"
	"github.com/lgulliver/chunkstone/pkg/types"
	"github.com/rs/zerolog/log"
)

// multipartOverhead is the allowance for form fields and part headers on
// top of the chunk bytes themselves
const multipartOverhead = 1 << 20

// UploadService is the part of the upload manager the HTTP layer drives
type UploadService interface {
	InitUpload(ctx context.Context, req types.InitRequest) (*types.UploadSession, error)
	PutChunk(ctx context.Context, id string, index int, body io.Reader) (types.Progress, error)
	CompleteUpload(ctx context.Context, id string) (*types.ArtifactResult, error)
	CancelUpload(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (*upload.StatusSnapshot, error)
	MissingChunks(ctx context.Context, id string) ([]int, error)
}

func handleInitUpload(uploads UploadService, maxChunkBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.InitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{
				Error:   "Invalid request format",
				Details: err.Error(),
				Code:    apitypes.CodeInvalidRequest,
			})
			return
		}

		s, err := uploads.InitUpload(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, apitypes.InitResponse{
			SessionID:     s.ID,
			ChunkSize:     s.ChunkSize,
			TotalChunks:   s.TotalChunks,
			MaxChunkBytes: maxChunkBytes,
		})
	}
}

// handleMultipartChunk accepts a form with an index field and the chunk
// bytes in a file part named chunk or file
func handleMultipartChunk(uploads UploadService, maxChunkBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxChunkBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBytes+multipartOverhead)
		}

		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(c, fmt.Errorf("%w: request body too large", upload.ErrChunkTooLarge))
				return
			}
			c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{
				Error:   "Invalid multipart form",
				Details: err.Error(),
				Code:    apitypes.CodeInvalidRequest,
			})
			return
		}
		defer form.RemoveAll()

		index, ok := parseIndex(c, firstValue(form.Value["index"]))
		if !ok {
			return
		}

		files := form.File["chunk"]
		if len(files) == 0 {
			files = form.File["file"]
		}
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{
				Error: "Missing chunk file",
				Code:  apitypes.CodeInvalidRequest,
			})
			return
		}

		file, err := files[0].Open()
		if err != nil {
			writeError(c, fmt.Errorf("failed to open chunk part: %w", err))
			return
		}
		defer file.Close()

		putChunk(c, uploads, index, file)
	}
}

// handleRawChunk accepts the chunk bytes as the request body
func handleRawChunk(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		index, ok := parseIndex(c, c.Param("index"))
		if !ok {
			return
		}
		putChunk(c, uploads, index, c.Request.Body)
	}
}

func putChunk(c *gin.Context, uploads UploadService, index int, body io.Reader) {
	progress, err := uploads.PutChunk(c.Request.Context(), c.Param("id"), index, body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func handleCompleteUpload(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := uploads.CompleteUpload(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleGetStatus(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := uploads.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, apitypes.NewStatusResponse(snap.Session, snap.Progress))
	}
}

func handleMissingChunks(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		missing, err := uploads.MissingChunks(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, apitypes.MissingResponse{SessionID: id, Missing: missing})
	}
}

func handleCancelUpload(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := uploads.CancelUpload(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, apitypes.CancelResponse{SessionID: id, Cancelled: true})
	}
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func parseIndex(c *gin.Context, raw string) (int, bool) {
	index, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{
			Error:   "Invalid chunk index",
			Details: fmt.Sprintf("index %q is not an integer", raw),
			Code:    apitypes.CodeInvalidIndex,
		})
		return 0, false
	}
	return index, true
}

// writeError maps upload errors onto HTTP responses
func writeError(c *gin.Context, err error) {
	var missing *upload.MissingChunksError
	var storageErr *upload.StorageUploadFailedError

	switch {
	case errors.As(err, &missing):
		c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{
			Error:   "Upload incomplete",
			Details: err.Error(),
			Code:    apitypes.CodeMissingChunks,
			Missing: missing.Missing,
		})
	case errors.Is(err, upload.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "Invalid request", Details: err.Error(), Code: apitypes.CodeInvalidRequest})
	case errors.Is(err, upload.ErrInvalidIndex):
		c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "Invalid chunk index", Details: err.Error(), Code: apitypes.CodeInvalidIndex})
	case errors.Is(err, upload.ErrChunkTooLarge):
		c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "Chunk too large", Details: err.Error(), Code: apitypes.CodeChunkTooLarge})
	case errors.Is(err, upload.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, apitypes.ErrorResponse{Error: "Upload session not found", Code: apitypes.CodeSessionNotFound})
	case errors.Is(err, upload.ErrInvalidState):
		c.JSON(http.StatusConflict, apitypes.ErrorResponse{Error: "Invalid session state", Details: err.Error(), Code: apitypes.CodeInvalidState})
	case errors.As(err, &storageErr):
		c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{Error: "Storage upload failed", Details: storageErr.Err.Error(), Code: apitypes.CodeStorageUploadFailed})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Str("session_id", c.Param("id")).Msg("upload request failed")
		c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{Error: "Internal server error", Code: apitypes.CodeInternal})
	}
	c.Error(err)
}
