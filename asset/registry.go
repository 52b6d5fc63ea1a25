package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
)

const fallbackName = "index"

// Asset is a downloaded resource and its place inside the archive.
type Asset struct {
	OriginalURL string `json:"originalUrl"`
	Filename    string `json:"filename"`
	Kind        Kind   `json:"kind"`
	ArchivePath string `json:"archivePath"`
	Size        int64  `json:"size"`
}

// Registry maps absolute source URLs to archive entries and tracks which
// URLs have been claimed for download. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	visited map[string]struct{}
	assets  map[string]Asset
	owners  map[string]string // archive path -> url
}

func NewRegistry() *Registry {
	return &Registry{
		visited: make(map[string]struct{}),
		assets:  make(map[string]Asset),
		owners:  make(map[string]string),
	}
}

// Claim marks u as visited. It returns false if another caller already
// claimed it, in which case u must not be fetched again.
func (r *Registry) Claim(u string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visited[u]; ok {
		return false
	}
	r.visited[u] = struct{}{}
	return true
}

// Visited reports whether u has been claimed.
func (r *Registry) Visited(u string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.visited[u]
	return ok
}

// Store reserves an archive path for u and hands the asset to write. The
// asset becomes visible to Lookup only if write succeeds; otherwise the
// path is released and u stays unregistered. Storing a registered URL again
// returns the first asset unchanged.
func (r *Registry) Store(u string, kind Kind, folder string, size int64, write func(Asset) error) (Asset, error) {
	r.mu.Lock()
	if a, ok := r.assets[u]; ok {
		r.mu.Unlock()
		return a, nil
	}
	a := r.place(u, kind, folder, size)
	r.visited[u] = struct{}{}
	r.mu.Unlock()

	if err := write(a); err != nil {
		r.mu.Lock()
		delete(r.owners, a.ArchivePath)
		r.mu.Unlock()
		return Asset{}, err
	}

	r.mu.Lock()
	r.assets[u] = a
	r.mu.Unlock()
	return a, nil
}

// place picks a free archive path for u under folder and reserves it.
// Callers hold r.mu.
func (r *Registry) place(u string, kind Kind, folder string, size int64) Asset {
	name := FileName(u, kind)
	archivePath := path.Join(folder, name)
	if owner, taken := r.owners[archivePath]; taken && owner != u {
		name = suffixName(name, u)
		archivePath = path.Join(folder, name)
	}
	r.owners[archivePath] = u
	return Asset{
		OriginalURL: u,
		Filename:    name,
		Kind:        kind,
		ArchivePath: archivePath,
		Size:        size,
	}
}

// Lookup returns the registered asset for u.
func (r *Registry) Lookup(u string) (Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[u]
	return a, ok
}

// Assets returns every registered asset ordered by archive path.
func (r *Registry) Assets() []Asset {
	r.mu.Lock()
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ArchivePath < out[j].ArchivePath })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assets)
}

// FileName derives the local file name for rawURL: the last path segment
// without query parameters, with the kind's default extension appended when
// the segment has none.
func FileName(rawURL string, kind Kind) string {
	var name string
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	} else {
		name = path.Base(rawURL)
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	if name == "" || name == "." || name == "/" {
		name = fallbackName
	}
	name = sanitize(name)
	if path.Ext(name) == "" {
		name += kind.DefaultExt()
	}
	return name
}

// ContentHash returns the hex sha256 of b.
func ContentHash(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func suffixName(name, u string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return stem + "-" + ContentHash([]byte(u))[:8] + ext
}

var unsafeChars = strings.NewReplacer(
	"\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

func sanitize(name string) string {
	return unsafeChars.Replace(name)
}
