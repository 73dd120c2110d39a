package fetch

import (
	"fmt"
	"hash/fnv"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DefaultFilename replaces names that sanitize to nothing.
const DefaultFilename = "download.bin"

const (
	maxNameBytes = 255
	maxExtBytes  = 16
	illegalChars = `<>:"/\|?*`
)

// Sanitize makes name safe to use as a single file name. It is idempotent
// and never returns an empty string.
func Sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(illegalChars, r):
			return '_'
		}
		return r
	}, name)

	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) > maxExtBytes {
			ext = ""
		}
		base := truncateUTF8(name[:len(name)-len(ext)], maxNameBytes-len(ext))
		name = base + ext
	}

	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return DefaultFilename
	}
	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// filenameFromDisposition extracts the filename parameter of a
// Content-Disposition header. RFC 5987 filename* values are decoded.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// resolveName picks a display name: the Content-Disposition name, then the
// last path segment when it carries an extension, then a filename query
// parameter, then any last path segment, then a name derived from the URL.
func resolveName(disposition string, u *url.URL, rawURL string) string {
	if disposition != "" {
		return disposition
	}

	var base string
	if u != nil {
		base = path.Base(u.Path)
		if base == "/" || base == "." {
			base = ""
		}
		if base != "" && path.Ext(base) != "" {
			return base
		}
		if q := u.Query().Get("filename"); q != "" {
			return q
		}
	}
	if base != "" {
		return base
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(rawURL))
	return fmt.Sprintf("download_%d.bin", h.Sum32()%10000)
}
