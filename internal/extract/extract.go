// Package extract turns an input document into plain text for the analyzer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrFileNotFound means the input reference does not resolve to a readable file.
	ErrFileNotFound = errors.New("input file not found")
	// ErrUnsupported means no loader accepts the file.
	ErrUnsupported = errors.New("unsupported document type")
)

// Loader reads one family of document formats.
type Loader interface {
	AcceptedExtensions() []string
	AcceptedMimeTypes() []string
	Load(ctx context.Context, path string) (string, error)
}

// Extractor picks a Loader by detected MIME type, falling back to the file extension.
type Extractor struct {
	loaders []Loader
}

// New returns an Extractor with the PDF, spreadsheet, HTML and plain-text loaders registered.
func New() *Extractor {
	e := &Extractor{}
	e.Register(NewPdfLoader())
	e.Register(NewXlsxLoader())
	e.Register(NewHTMLLoader())
	e.Register(NewTextLoader())
	return e
}

// Register appends l. Earlier loaders win.
func (e *Extractor) Register(l Loader) {
	e.loaders = append(e.loaders, l)
}

// Extract returns the text content of the file at path.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("无法访问文件 %s: %w", path, err)
	}

	// 使用 mimetype 库根据文件内容检测类型
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect MIME type: %w", err)
	}
	for _, l := range e.loaders {
		if acceptsMime(mtype, l.AcceptedMimeTypes()) {
			return l.Load(ctx, path)
		}
	}
	// 回退到基于扩展名的检测
	ext := strings.ToLower(filepath.Ext(path))
	for _, l := range e.loaders {
		if slices.Contains(l.AcceptedExtensions(), ext) {
			return l.Load(ctx, path)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mtype.String())
}

// acceptsMime walks up the MIME hierarchy so text/csv also matches text/plain.
func acceptsMime(mtype *mimetype.MIME, accepted []string) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if slices.ContainsFunc(accepted, m.Is) {
			return true
		}
	}
	return false
}

// FileInfo describes an input file at submission time.
type FileInfo struct {
	Name string
	Size int64
	Type string // lower-case extension without the dot
	Mime string
}

// Stat reports name, size and type of the file at path.
func Stat(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return FileInfo{}, err
	}
	info := FileInfo{
		Name: filepath.Base(path),
		Size: st.Size(),
		Type: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
	}
	if m, err := mimetype.DetectFile(path); err == nil {
		info.Mime = m.String()
	}
	return info, nil
}

// Truncate bounds text to max characters (runes). max <= 0 disables the bound.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i]
		}
		n++
	}
	return text
}
