package transfer

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/italolelis/booth_downloader/internal/storage"
)

// Link is one downloadable file listed on an item's download page.
type Link struct {
	URL      string
	FileName string
	SizeHint string // human readable size as shown by the marketplace, informational only
}

// Body is an open response stream for a file.
type Body struct {
	io.ReadCloser

	// Offset is the position of the first byte of the stream in the remote file.
	Offset int64
	// Total is the full remote size, or -1 when the server does not announce it.
	Total int64
	// Partial is true when the server honoured the requested range.
	Partial bool
}

// Resolver turns an item into its current list of download links. Links are short lived
// and must be resolved again before every attempt.
type Resolver interface {
	Resolve(ctx context.Context, item *storage.Item) ([]Link, error)
}

// Fetcher opens a file stream starting at offset.
type Fetcher interface {
	Fetch(ctx context.Context, url string, offset int64) (*Body, error)
}

const (
	downloadsDir = "downloads"
	partialDir   = ".partial"
	partialExt   = ".part"
	corruptExt   = ".corrupt"
)

// Layout maps items and files onto the output directory.
type Layout struct {
	Root string
}

// FolderName returns the per-item folder name: the item id followed by the sanitized title.
func FolderName(itemID, title string) string {
	name := sanitize(title)
	if name == "" {
		return itemID
	}

	return itemID + "_" + name
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', '*', '?', ':', '"', '<', '>', '|':
			return -1
		case ' ':
			return '_'
		}

		if r < 0x20 {
			return -1
		}

		return r
	}, strings.TrimSpace(name))

	return strings.Trim(name, ".")
}

// ItemDir returns the absolute folder of an item.
func (l Layout) ItemDir(item *storage.Item) string {
	folder := item.FolderPath
	if folder == "" {
		folder = FolderName(item.ID, item.Title)
	}

	return filepath.Join(l.Root, folder)
}

// RelativePath returns the finalized path of a file relative to Root. It is what DownloadRecord.LocalPath holds.
func (l Layout) RelativePath(item *storage.Item, fileName string) string {
	rel, err := filepath.Rel(l.Root, l.FinalPath(item, fileName))
	if err != nil {
		return l.FinalPath(item, fileName)
	}

	return rel
}

// FinalPath returns where a verified file lives.
func (l Layout) FinalPath(item *storage.Item, fileName string) string {
	return filepath.Join(l.ItemDir(item), downloadsDir, sanitizeFileName(fileName))
}

// PartialPath returns the working file of an unfinished transfer.
func (l Layout) PartialPath(item *storage.Item, fileName string) string {
	return filepath.Join(l.ItemDir(item), partialDir, sanitizeFileName(fileName)+partialExt)
}

// CorruptPath is where a partial file that failed verification is kept for inspection.
func (l Layout) CorruptPath(item *storage.Item, fileName string) string {
	return filepath.Join(l.ItemDir(item), partialDir, sanitizeFileName(fileName)+corruptExt)
}

// PartialRoot is the partial area of an item folder.
func PartialRoot(itemDir string) string {
	return filepath.Join(itemDir, partialDir)
}

// IsPartialFile reports whether path is a working file of an unfinished transfer.
func IsPartialFile(path string) bool {
	return strings.HasSuffix(path, partialExt) && filepath.Base(filepath.Dir(path)) == partialDir
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "download"
	}

	return name
}
