package attach

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/marketloop/marketloop/internal/logger"
	"github.com/marketloop/marketloop/internal/models"
)

var (
	ErrInvalidAttachment = errors.New("invalid attachment")

	log = logger.New("attach")
)

// Class identifies the kind of payload being uploaded and selects the size cap.
type Class string

const (
	ClassImage Class = "image"
	ClassVideo Class = "video"
	ClassVoice Class = "voice"
	ClassFile  Class = "file"
)

// Per-class upload caps in bytes.
var sizeLimits = map[Class]int64{
	ClassImage: 5 << 20,
	ClassVideo: 50 << 20,
	ClassVoice: 10 << 20,
	ClassFile:  10 << 20,
}

// MessageType maps an upload class to the message type that carries it.
func (c Class) MessageType() models.MessageType {
	switch c {
	case ClassImage:
		return models.MessageTypeImage
	case ClassVideo:
		return models.MessageTypeVideo
	case ClassVoice:
		return models.MessageTypeVoice
	default:
		return models.MessageTypeFile
	}
}

// ObjectStore is the external storage collaborator: bytes in, durable URL out.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Uploader validates attachments and pushes them to the object store. It does
// not retry and does not clean up: a stored file whose message never lands is
// an accepted orphan.
type Uploader struct {
	store ObjectStore
}

func NewUploader(store ObjectStore) *Uploader {
	return &Uploader{store: store}
}

// UploadRequest describes one file to upload.
type UploadRequest struct {
	FileName        string
	Class           Class
	Data            []byte
	DurationSeconds int
}

// Upload validates the request and performs a single blocking store call.
// On success the returned attachment's URL is immediately fetchable.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*models.Attachment, error) {
	limit, ok := sizeLimits[req.Class]
	if !ok {
		return nil, fmt.Errorf("%w: unknown class %q", ErrInvalidAttachment, req.Class)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidAttachment)
	}
	if int64(len(req.Data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d byte limit for class %s",
			ErrInvalidAttachment, req.FileName, limit, req.Class)
	}

	contentType := mime.TypeByExtension(filepath.Ext(req.FileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	url, err := u.store.Put(ctx, storageKey(req.Class, req.FileName), contentType, req.Data)
	if err != nil {
		log.Warn("Upload of %s failed: %v", req.FileName, err)
		return nil, err
	}

	log.Debug("Uploaded %s (%d bytes) as %s", req.FileName, len(req.Data), url)

	return &models.Attachment{
		URL:             url,
		FileName:        req.FileName,
		FileSize:        int64(len(req.Data)),
		DurationSeconds: req.DurationSeconds,
	}, nil
}
