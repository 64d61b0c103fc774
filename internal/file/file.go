// Package file inspects local files before they are streamed to a room.
package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var ErrDirectory = errors.New("directories cannot be sent")

// Info is what a stream header needs to know about a local file.
type Info struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

// Inspect stats the file at path and detects its MIME type from its contents,
// falling back to the extension.
func Inspect(path string) (Info, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Info{}, fmt.Errorf("resolving %q: %w", path, err)
	}
	stat, err := os.Stat(abs)
	if err != nil {
		return Info{}, fmt.Errorf("reading %q: %w", path, err)
	}
	if stat.IsDir() {
		return Info{}, fmt.Errorf("%w: %q", ErrDirectory, path)
	}
	return Info{
		Path:     abs,
		Name:     stat.Name(),
		Size:     stat.Size(),
		MimeType: DetectMimeType(abs),
	}, nil
}

// InspectAll inspects every path, failing on the first unreadable one.
func InspectAll(paths []string) ([]Info, error) {
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		info, err := Inspect(p)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DetectMimeType returns the sniffed MIME type without parameters. Files that cannot
// be sniffed get application/octet-stream.
func DetectMimeType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	if m.Is("application/octet-stream") {
		if byExt := mimetype.Lookup(mimeFromExtension(path)); byExt != nil {
			m = byExt
		}
	}
	base, _, _ := strings.Cut(m.String(), ";")
	return base
}

// FileSize returns the size of the file at filePath.
func FileSize(filePath string) (int64, error) {
	f, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return f.Size(), nil
}

func mimeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return ""
	}
}

// ByteCountSI formats b in SI units, i.e. 1500 -> "1.5 kB".
func ByteCountSI(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}
