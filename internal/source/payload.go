// Package source provides tile loaders: libvips rendering of large images,
// HTTP fetches from an upstream XYZ server and a read-through cache wrapper.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"tilecascade/internal/tile"
)

// Payload is an encoded tile image.
type Payload struct {
	Data        []byte
	ContentType string
	ETag        string
}

func (p *Payload) ByteLength() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

func etag(dataset string, c tile.Coordinate, format string) string {
	hash := sha256.Sum256(fmt.Appendf(nil, "%s/%d/%d/%d.%s", dataset, c.Z, c.X, c.Y, format))
	return hex.EncodeToString(hash[:])[:16]
}

func contentType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "pbf", "mvt":
		return "application/vnd.mapbox-vector-tile"
	default:
		return "application/octet-stream"
	}
}
