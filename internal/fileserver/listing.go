package fileserver

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const modifiedLayout = "2006-01-02 15:04:05"

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Directory listing for {{ .Path }}</title>
<style>
body { font-family: monospace; margin: 20px; }
table { border-collapse: collapse; }
th, td { padding: 5px 15px; text-align: left; }
th { background-color: #f0f0f0; border-bottom: 2px solid #ddd; }
tr:hover { background-color: #f5f5f5; }
a { text-decoration: none; color: #0066cc; }
a:hover { text-decoration: underline; }
.dir { font-weight: bold; }
.size { text-align: right; }
</style>
</head>
<body>
<h1>Directory listing for {{ .Path }}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Last Modified</th></tr>
{{- if .Parent }}
<tr><td colspan="3"><a href="{{ .Parent }}">[Parent Directory]</a></td></tr>
{{- end }}
{{- range .Items }}
<tr><td>{{ if .IsDir }}<a href="{{ .Href }}" class="dir">{{ .Name }}/</a>{{ else }}<a href="{{ .Href }}">{{ .Name }}</a>{{ end }}</td><td class="size">{{ .Size }}</td><td>{{ .Modified }}</td></tr>
{{- end }}
</table>
<hr>
<p>{{ len .Items }} items</p>
</body>
</html>
`))

type listingItem struct {
	Name     string
	Href     string
	Size     string
	Modified string
	IsDir    bool
}

type listingPage struct {
	Path   string
	Parent string
	Items  []listingItem
}

type dirEntry struct {
	name string
	info os.FileInfo
}

func (s *Server) serveDirectory(w http.ResponseWriter, r *http.Request, fullPath, relPath string) {
	entries, err := s.scanDirectory(fullPath)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	// Files rewritten in place keep the directory mtime, so the key covers
	// every entry's size and mtime.
	key := fullPath + "|" + strconv.FormatUint(fingerprint(entries), 16)

	var body []byte
	if s.listings != nil {
		if cached, found := s.listings.Get(key); found {
			body = cached.([]byte)
		}
	}

	if body == nil {
		body, err = s.renderListing(entries, relPath)
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		if s.listings != nil {
			s.listings.SetDefault(key, body)
		}
		s.logger.WithFields(logrus.Fields{
			"directory": fullPath,
			"items":     len(entries),
		}).Debug("Rendered directory listing")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func (s *Server) scanDirectory(fullPath string) ([]dirEntry, error) {
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}

	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		// Stat follows symlinks so linked directories list as directories.
		info, err := os.Stat(filepath.Join(fullPath, e.Name()))
		if err != nil {
			s.logger.Warnf("Failed to stat %s: %v", filepath.Join(fullPath, e.Name()), err)
			continue
		}
		out = append(out, dirEntry{name: e.Name(), info: info})
	}
	return out, nil
}

func fingerprint(entries []dirEntry) uint64 {
	h := xxhash.New()
	for _, e := range entries {
		_, _ = h.WriteString(e.name)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(strconv.FormatInt(e.info.Size(), 10))
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(strconv.FormatInt(e.info.ModTime().UnixNano(), 10))
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(strconv.FormatBool(e.info.IsDir()))
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

func (s *Server) renderListing(entries []dirEntry, relPath string) ([]byte, error) {
	urlPath := "/"
	if relPath != "" {
		urlPath = "/" + relPath + "/"
	}

	prefix := s.basePath
	if prefix == "/" {
		prefix = ""
	}

	page := listingPage{Path: urlPath}
	if urlPath != "/" {
		parent := path.Dir(path.Clean(urlPath))
		if parent != "/" {
			parent += "/"
		}
		page.Parent = prefix + parent
	}

	for _, e := range entries {
		item := listingItem{
			Name:     e.name,
			Href:     prefix + urlPath + url.PathEscape(e.name),
			Modified: e.info.ModTime().Format(modifiedLayout),
			IsDir:    e.info.IsDir(),
		}
		if item.IsDir {
			item.Href += "/"
			item.Size = "<DIR>"
		} else {
			item.Size = humanize.IBytes(uint64(e.info.Size()))
		}
		page.Items = append(page.Items, item)
	}

	sortItems(page.Items)

	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, page); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// sortItems puts directories first, then orders names case-insensitively.
func sortItems(items []listingItem) {
	c := collate.New(language.Und, collate.IgnoreCase)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return c.CompareString(items[i].Name, items[j].Name) < 0
	})
}
