package media

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"logbook/api/internal/store"
)

// Select returns the logbook's media filtered to ids, or everything when ids
// is empty. Unknown ids are ignored.
func (s *Service) Select(ctx context.Context, logbookID string, ids []string) ([]store.Media, error) {
	items, err := s.meta.ListMedia(ctx, logbookID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	selected := items[:0]
	for _, item := range items {
		if _, ok := wanted[item.ID]; ok {
			selected = append(selected, item)
		}
	}
	return selected, nil
}

// WriteArchive streams items into a zip written to w. Entry names are the
// original filenames, suffixed when two uploads share one.
func (s *Service) WriteArchive(ctx context.Context, w io.Writer, items []store.Media) error {
	if s.objects == nil {
		return ErrStorageDisabled
	}
	zw := zip.NewWriter(w)
	names := newEntryNamer()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.copyToZip(ctx, zw, names.next(item.Filename), item); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func (s *Service) copyToZip(ctx context.Context, zw *zip.Writer, name string, item store.Media) error {
	src, err := s.objects.Get(ctx, item.ObjectKey)
	if err != nil {
		return err
	}
	defer src.Close()

	header := &zip.FileHeader{Name: name, Method: zip.Store, Modified: item.CreatedAt}
	if !strings.HasPrefix(item.ContentType, "image/") && !strings.HasPrefix(item.ContentType, "video/") {
		header.Method = zip.Deflate
	}
	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s into archive: %w", name, err)
	}
	return nil
}

type entryNamer struct {
	seen map[string]int
}

func newEntryNamer() *entryNamer {
	return &entryNamer{seen: make(map[string]int)}
}

func (n *entryNamer) next(filename string) string {
	name := cleanFilename(filename)
	count := n.seen[strings.ToLower(name)]
	n.seen[strings.ToLower(name)] = count + 1
	if count == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), count+1, ext)
	for n.seen[strings.ToLower(candidate)] > 0 {
		count++
		candidate = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), count+1, ext)
	}
	n.seen[strings.ToLower(candidate)] = 1
	return candidate
}
