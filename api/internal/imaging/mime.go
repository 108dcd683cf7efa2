package imaging

import (
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
)

// SniffMIME recognises the formats we accept by their magic bytes.
// Anything else yields "".
func SniffMIME(b []byte) string {
	if len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF {
		return MIMEJPEG
	}
	if len(b) >= 8 &&
		b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47 &&
		b[4] == 0x0D && b[5] == 0x0A && b[6] == 0x1A && b[7] == 0x0A {
		return MIMEPNG
	}
	return ""
}

var allowedExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// AllowedFilename reports whether the upload name carries an accepted extension.
func AllowedFilename(name string) bool {
	return allowedExt[strings.ToLower(filepath.Ext(name))]
}

var errEmptyPayload = errors.New("empty payload")

// DecodeBase64 decodes a plain or data: URI base64 payload. The MIME type
// from the data: prefix is returned when present.
func DecodeBase64(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var hint string
	if strings.HasPrefix(strings.ToLower(s), "data:") {
		if idx := strings.IndexByte(s, ','); idx > 0 {
			meta := s[len("data:"):idx]
			if semi := strings.IndexByte(meta, ';'); semi >= 0 {
				hint = meta[:semi]
			} else {
				hint = meta
			}
			s = s[idx+1:]
		}
	}
	if s == "" {
		return nil, "", errEmptyPayload
	}
	// standard alphabet first, then URL-safe and unpadded variants
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, hint, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, "", err
}
