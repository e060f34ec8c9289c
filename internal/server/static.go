package server

import (
	"archive/tar"
	"bytes"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
)

// Asset lookups are answered from a small LRU so the tar archive is only
// rescanned on first touch of each path it holds. Misses are not cached;
// a path absent from the archive is rescanned on every request.
const assetCacheEntries = 64

var contentTypes = map[string]string{
	".html":  "text/html",
	".css":   "text/css",
	".js":    "text/javascript",
	".json":  "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

func contentTypeFor(name string) string {
	if t, ok := contentTypes[path.Ext(name)]; ok {
		return t
	}
	return "application/octet-stream"
}

type asset struct {
	body        []byte
	contentType string
}

// Archive serves the web UI out of an embedded tar archive.
type Archive struct {
	tarball []byte

	mu    sync.Mutex
	cache *lru.Cache
}

func NewArchive(tarball []byte) *Archive {
	return &Archive{
		tarball: tarball,
		cache:   lru.New(assetCacheEntries),
	}
}

// lookup maps a request path to an archive entry. "/" serves index.html;
// any other path is looked up with its leading slash stripped. Entries
// recorded with a "./" prefix are normalized.
func (a *Archive) lookup(reqPath string) (*asset, bool) {
	name := strings.TrimPrefix(reqPath, "/")
	if name == "" {
		name = "index.html"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, ok := a.cache.Get(name); ok {
		return cached.(*asset), true
	}

	tr := tar.NewReader(bytes.NewReader(a.tarball))
	for {
		hdr, err := tr.Next()
		if err != nil {
			return nil, false
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if strings.TrimPrefix(hdr.Name, "./") != name {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, false
		}
		found := &asset{body: body, contentType: contentTypeFor(name)}
		a.cache.Add(name, found)
		return found, true
	}
}

func (a *Archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	found, ok := a.lookup(r.URL.Path)
	if !ok {
		body := "404 Not Found"
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, body)
		return
	}
	w.Header().Set("Content-Type", found.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(found.body)))
	w.Header().Set("Connection", "close")
	w.Write(found.body)
}
