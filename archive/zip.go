package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// IndexName is the archive entry holding the rewritten page.
const IndexName = "index.html"

var (
	ErrFinalized   = errors.New("archive already finalized")
	ErrInvalidPath = errors.New("invalid archive path")
)

// Zip collects named blobs in memory and writes them as a single zip on
// Finalize. Adding the same path twice keeps the last content. Add is safe
// for concurrent use.
type Zip struct {
	dst     io.Writer
	modTime time.Time

	mu        sync.Mutex
	entries   map[string][]byte
	finalized bool
	size      int64
}

func NewZip(dst io.Writer) *Zip {
	return &Zip{
		dst:     dst,
		modTime: time.Now(),
		entries: make(map[string][]byte),
	}
}

// Add stores content under name.
func (z *Zip) Add(name string, content []byte) error {
	clean, err := cleanPath(name)
	if err != nil {
		return err
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if z.finalized {
		return ErrFinalized
	}
	z.entries[clean] = content
	return nil
}

// Entries lists the stored paths in the order they are written.
func (z *Zip) Entries() []string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.sortedNames()
}

// Size is the number of compressed bytes written by Finalize.
func (z *Zip) Size() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.size
}

// Finalize writes the zip to the destination. It can only run once.
func (z *Zip) Finalize() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.finalized {
		return ErrFinalized
	}
	z.finalized = true

	cw := &countingWriter{w: z.dst}
	zw := zip.NewWriter(cw)
	for _, name := range z.sortedNames() {
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: z.modTime,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", name, err)
		}
		if _, err := w.Write(z.entries[name]); err != nil {
			return fmt.Errorf("write entry %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	z.size = cw.n
	return nil
}

// sortedNames puts the index first, everything else alphabetically.
func (z *Zip) sortedNames() []string {
	names := make([]string, 0, len(z.entries))
	for name := range z.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == IndexName || names[j] == IndexName {
			return names[i] == IndexName
		}
		return names[i] < names[j]
	})
	return names
}

func cleanPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := path.Clean(name)
	if name == "" || clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return clean, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// FileBundle is a Zip backed by a file on an afero filesystem.
type FileBundle struct {
	*Zip
	fs   afero.Fs
	path string
	file afero.File
}

// CreateFile creates the bundle file at name, making parent directories.
func CreateFile(fs afero.Fs, name string) (*FileBundle, error) {
	if err := fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	return &FileBundle{Zip: NewZip(f), fs: fs, path: name, file: f}, nil
}

func (b *FileBundle) Path() string {
	return b.path
}

// Finalize writes and closes the file. A partially written file is removed.
func (b *FileBundle) Finalize() error {
	err := b.Zip.Finalize()
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = b.fs.Remove(b.path)
	}
	return err
}

// Abort discards the bundle without writing it.
func (b *FileBundle) Abort() error {
	b.Zip.mu.Lock()
	b.Zip.finalized = true
	b.Zip.mu.Unlock()
	_ = b.file.Close()
	return b.fs.Remove(b.path)
}

var hostReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// FileName names the bundle of a page on host created at t.
func FileName(host string, t time.Time) string {
	host = hostReplacer.Replace(host)
	if host == "" {
		host = "page"
	}
	return fmt.Sprintf("%s-%s.zip", host, t.Format("20060102-150405"))
}
