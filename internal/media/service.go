// Package media stores gallery uploads and bundles them for download.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"logbook/api/internal/store"
	"logbook/api/internal/util"
)

var (
	ErrUnsupportedType = errors.New("only image and video uploads are supported")
	ErrTooLarge        = errors.New("upload exceeds the size limit")
	ErrStorageDisabled = errors.New("object storage is not configured")
)

type MetadataStore interface {
	InsertMedia(ctx context.Context, item store.Media) error
	ListMedia(ctx context.Context, logbookID string) ([]store.Media, error)
	GetMedia(ctx context.Context, logbookID, mediaID string) (store.Media, error)
	DeleteMedia(ctx context.Context, logbookID, mediaID string) error
}

type Service struct {
	objects  ObjectStore
	meta     MetadataStore
	maxBytes int64
	log      zerolog.Logger
}

// NewService accepts a nil ObjectStore; uploads and downloads then fail with
// ErrStorageDisabled while listing keeps working.
func NewService(objects ObjectStore, meta MetadataStore, maxBytes int64, log zerolog.Logger) *Service {
	return &Service{objects: objects, meta: meta, maxBytes: maxBytes, log: log}
}

type UploadRequest struct {
	LogbookID   string
	Filename    string
	ContentType string
	Size        int64
	Caption     string
	UploadedBy  string
	Body        io.Reader
}

func (s *Service) Upload(ctx context.Context, req UploadRequest) (store.Media, error) {
	if s.objects == nil {
		return store.Media{}, ErrStorageDisabled
	}
	contentType := strings.ToLower(strings.TrimSpace(req.ContentType))
	if !strings.HasPrefix(contentType, "image/") && !strings.HasPrefix(contentType, "video/") {
		return store.Media{}, ErrUnsupportedType
	}
	if s.maxBytes > 0 && req.Size > s.maxBytes {
		return store.Media{}, ErrTooLarge
	}

	item := store.Media{
		ID:          util.NewID("med"),
		LogbookID:   req.LogbookID,
		Filename:    cleanFilename(req.Filename),
		ContentType: contentType,
		SizeBytes:   req.Size,
		Caption:     strings.TrimSpace(req.Caption),
		UploadedBy:  req.UploadedBy,
	}
	item.ObjectKey = ObjectKey(item.LogbookID, item.ID, item.Filename)

	if err := s.objects.Put(ctx, item.ObjectKey, req.Body, req.Size, contentType); err != nil {
		return store.Media{}, err
	}
	if err := s.meta.InsertMedia(ctx, item); err != nil {
		if rmErr := s.objects.Remove(ctx, item.ObjectKey); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("object_key", item.ObjectKey).Msg("orphaned object after failed insert")
		}
		return store.Media{}, fmt.Errorf("record media: %w", err)
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, logbookID string) ([]store.Media, error) {
	return s.meta.ListMedia(ctx, logbookID)
}

func (s *Service) Get(ctx context.Context, logbookID, mediaID string) (store.Media, error) {
	return s.meta.GetMedia(ctx, logbookID, mediaID)
}

func (s *Service) PresignedURL(ctx context.Context, logbookID, mediaID string, expiry time.Duration) (string, error) {
	if s.objects == nil {
		return "", ErrStorageDisabled
	}
	item, err := s.meta.GetMedia(ctx, logbookID, mediaID)
	if err != nil {
		return "", err
	}
	return s.objects.PresignGet(ctx, item.ObjectKey, item.Filename, expiry)
}

// Delete removes the metadata row first so a failed object removal only
// leaves an unreferenced blob behind.
func (s *Service) Delete(ctx context.Context, item store.Media) error {
	if err := s.meta.DeleteMedia(ctx, item.LogbookID, item.ID); err != nil {
		return err
	}
	if s.objects == nil {
		return nil
	}
	if err := s.objects.Remove(ctx, item.ObjectKey); err != nil {
		s.log.Warn().Err(err).Str("object_key", item.ObjectKey).Msg("remove media object failed")
	}
	return nil
}

// ObjectKey is the storage path of one upload.
func ObjectKey(logbookID, mediaID, filename string) string {
	return path.Join("logbooks", logbookID, mediaID, filename)
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f, r == '"', r == '/':
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}
