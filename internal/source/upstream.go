package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tilecascade/internal/metrics"
	"tilecascade/internal/tileset"
)

var ErrNotFound = errors.New("tile not found upstream")

// Upstream fetches tiles from an XYZ server laid out as
// {base}/{z}/{x}/{y}.{format}.
type Upstream struct {
	Name    string
	BaseURL string
	Ext     string

	client *http.Client
	log    *zap.Logger
}

func NewUpstream(name, baseURL, format string, timeout time.Duration, log *zap.Logger) *Upstream {
	return &Upstream{
		Name:    name,
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Ext:     format,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

var _ tileset.Loader = (*Upstream)(nil)

func (u *Upstream) Load(ctx context.Context, req tileset.Request) (any, error) {
	c := req.Coordinate
	url := fmt.Sprintf("%s/%d/%d/%d.%s", u.BaseURL, c.Z, c.X, c.Y, u.Ext)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "tilecascade/1.0")

	start := time.Now()
	resp, err := u.client.Do(httpReq)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = contentType(u.Ext)
	}
	u.log.Debug("upstream tile fetched",
		zap.String("upstream", u.Name),
		zap.String("tile", c.String()),
		zap.Int("bytes", len(data)),
	)
	return &Payload{Data: data, ContentType: ct, ETag: etag(u.Name, c, u.Ext)}, nil
}

func (u *Upstream) Format() string { return u.Ext }
