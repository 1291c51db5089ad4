package source

import (
	"context"
	"time"

	"tilecascade/internal/tileset"
)

// Synthetic produces fixed-size payloads after a delay. It stands in for a
// real loader in simulations.
type Synthetic struct {
	Latency time.Duration
	Size    int
}

var _ tileset.Loader = Synthetic{}

func (s Synthetic) Load(ctx context.Context, req tileset.Request) (any, error) {
	timer := time.NewTimer(s.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Payload{
		Data:        make([]byte, s.Size),
		ContentType: contentType(""),
		ETag:        etag("synthetic", req.Coordinate, "bin"),
	}, nil
}
