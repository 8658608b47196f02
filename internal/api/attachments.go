package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marketloop/marketloop/internal/attach"
)

// maxUploadBytes bounds what we read off the wire before the per-class caps
// are applied.
const maxUploadBytes = 64 << 20

// AttachmentHandler handles media uploads.
type AttachmentHandler struct {
	Uploader *attach.Uploader
}

func NewAttachmentHandler(uploader *attach.Uploader) *AttachmentHandler {
	return &AttachmentHandler{Uploader: uploader}
}

// Upload accepts a multipart file plus a class field and returns the durable
// attachment reference to embed in a subsequent message send.
func (h *AttachmentHandler) Upload(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return
	}

	duration, _ := strconv.Atoi(c.PostForm("duration_seconds"))

	attachment, err := h.Uploader.Upload(c.Request.Context(), attach.UploadRequest{
		FileName:        fileHeader.Filename,
		Class:           attach.Class(c.PostForm("class")),
		Data:            data,
		DurationSeconds: duration,
	})
	if err != nil {
		if errors.Is(err, attach.ErrInvalidAttachment) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upload failed"})
		return
	}

	c.JSON(http.StatusCreated, attachment)
}
