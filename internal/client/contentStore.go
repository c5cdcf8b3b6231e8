package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrContentNotFound = errors.New("content not found")

type ContentObject struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

// FSContentStore serves the first file found under <dir>/<productID>/.
type FSContentStore struct {
	dir string
}

func NewFSContentStore(dir string) *FSContentStore {
	return &FSContentStore{dir: dir}
}

func (s *FSContentStore) Open(ctx context.Context, productID string) (*ContentObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if productID == "" || strings.ContainsAny(productID, `/\`) || strings.Contains(productID, "..") {
		return nil, fmt.Errorf("%w: invalid product id %q", ErrContentNotFound, productID)
	}

	productDir := filepath.Join(s.dir, productID)
	entries, err := os.ReadDir(productDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, productID)
		}
		return nil, fmt.Errorf("read content dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, productID)
	}
	sort.Strings(names)

	f, err := os.Open(filepath.Join(productDir, names[0]))
	if err != nil {
		return nil, fmt.Errorf("open content: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat content: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(names[0]))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &ContentObject{
		Body:        f,
		ContentType: contentType,
		Filename:    names[0],
		Size:        info.Size(),
	}, nil
}
