package service

import (
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
)

// watermarked appends a per-access trailer identifying the licensee.
type watermarked struct {
	io.Reader
	body io.Closer
}

func (w *watermarked) Close() error {
	return w.body.Close()
}

// watermark appends the stamp as raw text after the last content byte. PDF
// readers and text consumers ignore it; container formats (EPUB, zip, most
// audio and video) would be corrupted, so callers check watermarkable first.
func watermark(body io.ReadCloser, accountID, grantID string, at time.Time) io.ReadCloser {
	stamp := fmt.Sprintf("\n%% licensed to account %s grant %s at %s\n",
		accountID, grantID, at.UTC().Format(time.RFC3339))

	return &watermarked{
		Reader: io.MultiReader(body, strings.NewReader(stamp)),
		body:   body,
	}
}

func watermarkable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/pdf" || strings.HasPrefix(mediaType, "text/")
}
