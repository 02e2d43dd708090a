// Package media stores user uploaded images and hands back a public URL for them.
package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/common"
)

const DefaultMaxBytes = 5 << 20

// Store is the media-storage collaborator: bytes in, URL out.
type Store interface {
	Put(ctx context.Context, owner uint64, r io.Reader) (*Object, error)
}

type Object struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

// Disk writes objects under Dir and serves them from BaseURL.
type Disk struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

func NewDisk(dir, baseURL string, maxBytes int64) *Disk {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Disk{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/"), MaxBytes: maxBytes}
}

// Put accepts images only. The type is sniffed from content; the client's filename and
// content type are ignored.
func (d *Disk) Put(ctx context.Context, owner uint64, r io.Reader) (*Object, error) {
	if owner == 0 {
		return nil, apperr.Authorization("authenticated user required")
	}
	data, err := io.ReadAll(io.LimitReader(r, d.MaxBytes+1))
	if err != nil {
		return nil, apperr.Validation("read upload: %v", err)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("upload is empty")
	}
	if int64(len(data)) > d.MaxBytes {
		return nil, apperr.Validation("upload exceeds %d bytes", d.MaxBytes)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, apperr.Validation("unsupported media type %s", mt.String())
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, apperr.Persistence(err, "media id")
	}
	key := filepath.ToSlash(filepath.Join("backgrounds", id+mt.Extension()))
	path := filepath.Join(d.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Persistence(errors.Wrap(err, "create media dir"), "store media")
	}
	if err := writeFile(path, data); err != nil {
		return nil, apperr.Persistence(err, "store media")
	}

	return &Object{
		Key:  key,
		URL:  d.BaseURL + "/" + key,
		MIME: mt.String(),
		Size: int64(len(data)),
	}, nil
}

// writeFile writes through a temp file so a reader never sees a partial object.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "rename upload")
}
