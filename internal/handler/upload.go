package handler

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/psds-microservice/support-session/internal/attachment"
	"github.com/psds-microservice/support-session/internal/logger"
)

// UploadHandler принимает один файл (multipart поле "file") и отдаёт его URL.
type UploadHandler struct {
	dir       string
	publicURL string
	logger    *slog.Logger
}

func NewUploadHandler(dir, publicURL string, log *slog.Logger) *UploadHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &UploadHandler{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    log.With(slog.String("component", "upload")),
	}
}

func (h *UploadHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, attachment.UploadResult{Error: "file field is required"})
		return
	}
	if fh.Size > attachment.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, attachment.UploadResult{Error: "file exceeds 10 MB"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, attachment.UploadResult{Error: "cannot read file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, attachment.MaxFileSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, attachment.UploadResult{Error: "cannot read file"})
		return
	}

	name := filepath.Base(fh.Filename)
	if _, err := attachment.CheckFile(attachment.File{Name: name, Data: data}); err != nil {
		c.JSON(http.StatusUnsupportedMediaType, attachment.UploadResult{Error: err.Error()})
		return
	}

	stored := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		h.logger.Error("create upload dir", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, attachment.UploadResult{Error: "storage unavailable"})
		return
	}
	if err := os.WriteFile(filepath.Join(h.dir, stored), data, 0o644); err != nil {
		h.logger.Error("write upload", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, attachment.UploadResult{Error: "storage unavailable"})
		return
	}
	h.logger.Debug("stored upload", slog.String("file", stored), slog.Int("bytes", len(data)))
	c.JSON(http.StatusCreated, attachment.UploadResult{
		Success: true,
		URL:     h.publicURL + "/uploads/" + stored,
	})
}
