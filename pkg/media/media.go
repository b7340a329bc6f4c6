// Package media manages the local attachment store: random download
// targets, content-type sniffing, and the "self" hosting scheme that maps
// files under Files.path to public URLs under Files.url.
package media

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
)

// GenerateName returns a random filename in dir with the given extension.
// Random names avoid collisions between files from different platforms.
func GenerateName(dir, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	return filepath.Join(dir, name+ext)
}

// SplitContentType splits a MIME type like "image/png" into a coarse media
// type and a file extension hint.
func SplitContentType(contentType string) (mediaType, ext string) {
	if contentType == "" {
		return "", ""
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	mediaType, ext, ok := strings.Cut(contentType, "/")
	if !ok {
		return contentType, ""
	}
	return mediaType, ext
}

// DetectType sniffs the file content and returns its coarse media type
// ("image", "video", "audio", "document") and extension. Unknown content
// falls back to "document" with the path's extension.
func DetectType(path string) (mediaType, ext string) {
	ext = strings.TrimPrefix(filepath.Ext(path), ".")
	f, err := os.Open(path)
	if err != nil {
		return "document", ext
	}
	defer f.Close()

	// filetype needs at most 262 bytes for its magic number table.
	head := make([]byte, 262)
	n, err := f.Read(head)
	if err != nil || n == 0 {
		return "document", ext
	}

	kind, err := filetype.Match(head[:n])
	if err != nil || kind == types.Unknown {
		return "document", ext
	}
	if kind.Extension != "" {
		ext = kind.Extension
	}
	switch kind.MIME.Type {
	case "image", "video", "audio":
		return kind.MIME.Type, ext
	}
	return "document", ext
}

// Hosting serves downloaded files over the public URL configured for the
// "self" upload scheme.
type Hosting struct {
	dir     string
	baseURL string
	enabled bool
}

// NewHosting builds a Hosting from the Files config section. Upload
// schemes other than "self" disable hosting with a warning: files still
// relay, but without public URLs.
func NewHosting(cfg config.FilesConfig) *Hosting {
	enabled := cfg.Upload == "self" && cfg.URL != ""
	if cfg.Upload != "" && cfg.Upload != "self" {
		logger.WarnCF("media", "unsupported upload scheme, file hosting disabled", map[string]any{
			"upload": cfg.Upload,
		})
	}
	return &Hosting{
		dir:     cfg.Path,
		baseURL: normURL(cfg.URL),
		enabled: enabled,
	}
}

// Dir returns the local directory downloads are written to.
func (h *Hosting) Dir() string {
	return h.dir
}

// PublicURL maps a local path under the hosting directory to its public
// URL, or "" when hosting is disabled.
func (h *Hosting) PublicURL(path string) string {
	if !h.enabled || path == "" {
		return ""
	}
	return h.baseURL + url.QueryEscape(filepath.Base(path))
}

// WriteText stores text under a random hosted name and returns its public
// URL. Used for IRC messages too long to send inline.
func (h *Hosting) WriteText(text string) (string, error) {
	if !h.enabled {
		return "", fmt.Errorf("file hosting is disabled")
	}
	path := GenerateName(h.dir, "txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing hosted text: %w", err)
	}
	return h.PublicURL(path), nil
}

func normURL(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
