package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gigmarket/gigmarket/internal/domain/attachment"
)

// DefaultMaxUploadBytes caps a single attachment.
const DefaultMaxUploadBytes = 10 << 20

var ErrTooLarge = errors.New("attachment exceeds the size limit")

// Uploader implements attachment.Uploader against the file service.
type Uploader struct {
	client
	maxBytes int64
}

// NewUploader creates an uploader. maxBytes of zero uses DefaultMaxUploadBytes.
func NewUploader(baseURL, apiKey string, maxBytes int64, timeout time.Duration) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Uploader{client: newClient(baseURL, apiKey, timeout), maxBytes: maxBytes}
}

func (u *Uploader) Upload(ctx context.Context, file attachment.File) (*attachment.Attachment, error) {
	if file.Size > u.maxBytes {
		return nil, ErrTooLarge
	}
	if file.Body == nil {
		return nil, errors.New("attachment has no body")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
		if file.MimeType != "" {
			h.Set("Content-Type", file.MimeType)
		}
		part, err := mw.CreatePart(h)
		if err == nil {
			var n int64
			n, err = io.Copy(part, io.LimitReader(file.Body, u.maxBytes+1))
			if err == nil && n > u.maxBytes {
				err = ErrTooLarge
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var out struct {
		URL string `json:"url"`
	}
	if err := u.do(ctx, http.MethodPost, "v1/files", mw.FormDataContentType(), pr, &out); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("upload %s: empty url in response", file.Name)
	}
	return &attachment.Attachment{URL: out.URL, Name: file.Name, MimeType: file.MimeType}, nil
}
