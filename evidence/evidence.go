package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Store keeps uploaded photos and hands out retrievable locators.
type Store interface {
	// Put stores data under key and returns its locator.
	Put(ctx context.Context, data []byte, key string) (string, error)
	// LocatorFor returns the locator of key without contacting the store.
	LocatorFor(key string) string
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// ContentType sniffs the MIME type of data.
func ContentType(data []byte) string {
	return http.DetectContentType(data)
}

// ContentKey is the content-addressed key of data. Equal bytes always map to
// the same key, so a repeated upload overwrites an identical object.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	ext, ok := extensions[ContentType(data)]
	if !ok {
		ext = ".bin"
	}
	return "evidence/" + hex.EncodeToString(sum[:]) + ext
}
