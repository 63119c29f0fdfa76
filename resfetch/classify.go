package resfetch

import (
	"encoding/base64"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hazyhaar/pagerescue/resstore"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".avif": true, ".bmp": true, ".ico": true,
}

// classify decides the payload kind from the declared content type, then the
// URL extension, then the body bytes. Declared text types are trusted so an
// .svg served as text stays text.
func classify(rawURL, contentType string, body []byte) (resstore.Kind, string) {
	ct, _, _ := mime.ParseMediaType(contentType)
	ct = strings.ToLower(ct)

	switch {
	case strings.HasPrefix(ct, "image/"):
		return resstore.KindImage, ct
	case strings.Contains(ct, "json"):
		return resstore.KindJSON, ct
	}

	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if imageExts[ext] {
		return resstore.KindImage, sniff(body, "image/"+strings.TrimPrefix(ext, "."))
	}
	if ext == ".json" {
		return resstore.KindJSON, "application/json"
	}

	if ct == "" || ct == "application/octet-stream" {
		m := mimetype.Detect(body)
		base := strings.SplitN(m.String(), ";", 2)[0]
		switch {
		case strings.HasPrefix(base, "image/"):
			return resstore.KindImage, base
		case m.Is("application/json"):
			return resstore.KindJSON, base
		}
		if ct == "" {
			ct = base
		}
	}
	return resstore.KindText, ct
}

// sniff returns the detected image type, or fallback when the body does not
// look like an image.
func sniff(body []byte, fallback string) string {
	m := mimetype.Detect(body)
	base := strings.SplitN(m.String(), ";", 2)[0]
	if strings.HasPrefix(base, "image/") {
		return base
	}
	if fallback == "image/jpg" {
		return "image/jpeg"
	}
	return fallback
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// DataURL encodes body as a base64 data: URL.
func DataURL(contentType string, body []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body)
}
