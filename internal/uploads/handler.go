// Package uploads accepts the resume and job posting files a Service reads.
package uploads

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"jobmatch-backend/internal/shared/server/middleware"
	"jobmatch-backend/internal/shared/server/respond"
	"jobmatch-backend/internal/shared/storage/object"
	"jobmatch-backend/internal/shared/telemetry"
)

const maxUploadBytes = 10 << 20

var allowedTypes = map[object.Kind][]string{
	object.KindResume: {
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"text/plain",
	},
	object.KindJobImage: {"image/png", "image/jpeg", "image/webp", "image/gif"},
}

type Handler struct {
	Store object.ObjectStore
}

func NewHandler(store object.ObjectStore) *Handler {
	return &Handler{Store: store}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/uploads", h.upload)
}

func (h *Handler) upload(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	kind, ok := object.ParseKind(c.PostForm("kind"))
	if !ok {
		respond.Error(c, http.StatusBadRequest, "validation_error", "kind must be resume or job_image", nil)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}
	if fileHeader.Size > maxUploadBytes {
		respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds 10MB", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	head := make([]byte, 3072)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	head = head[:n]
	mt := mimetype.Detect(head)
	if !allowed(kind, mt) {
		respond.Error(c, http.StatusUnsupportedMediaType, "unsupported_type", "unsupported file type "+mt.String(), []map[string]string{
			{"field": "file", "issue": mt.String()},
		})
		return
	}

	obj, err := h.Store.Put(c.Request.Context(), userID, kind, fileHeader.Filename, io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		telemetry.Error("upload.failed", map[string]any{
			"kind":  string(kind),
			"error": err,
		})
		respond.Error(c, http.StatusInternalServerError, "storage_error", "failed to store file", nil)
		return
	}
	telemetry.Info("upload.stored", map[string]any{
		"kind":         string(kind),
		"size_bytes":   obj.SizeBytes,
		"content_type": obj.ContentType,
	})
	respond.JSON(c, http.StatusCreated, obj)
}

func allowed(kind object.Kind, mt *mimetype.MIME) bool {
	for _, t := range allowedTypes[kind] {
		if mt.Is(t) || strings.HasPrefix(mt.String(), t+";") {
			return true
		}
	}
	return false
}
