package attachment

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_uploader.go -package=mocks . Uploader

import (
	"context"
	"io"
)

// File is a local file reference waiting to be uploaded.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Attachment is a durable file reference stored on a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// Uploader resolves a local file into a durable URL or fails.
type Uploader interface {
	Upload(ctx context.Context, file File) (*Attachment, error)
}
