package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilecascade/internal/tileset"
)

const imageFormat = "jpeg"

var ErrOutOfRange = errors.New("tile outside image pyramid")

// Image renders tiles of one large raster. Level MaxZoom is the full
// resolution; every level above halves it.
type Image struct {
	ID       string
	Path     string
	Width    int
	Height   int
	TileSize int
	MaxZoom  int

	log *zap.Logger
}

func NewImage(id, path string, width, height, tileSize int, log *zap.Logger) *Image {
	if tileSize <= 0 {
		tileSize = 256
	}
	return &Image{
		ID:       id,
		Path:     path,
		Width:    width,
		Height:   height,
		TileSize: tileSize,
		MaxZoom:  MaxZoom(width, height, tileSize),
		log:      log,
	}
}

// MaxZoom is the level at which one tile pixel is one image pixel.
func MaxZoom(width, height, tileSize int) int {
	scale := math.Max(float64(width), float64(height)) / float64(tileSize)
	z := int(math.Ceil(math.Log2(scale)))
	if z < 0 {
		return 0
	}
	return z
}

var _ tileset.Loader = (*Image)(nil)

func (img *Image) Load(ctx context.Context, req tileset.Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := req.Coordinate
	if c.Z > img.MaxZoom {
		return nil, fmt.Errorf("%w: zoom level %d exceeds max zoom %d", ErrOutOfRange, c.Z, img.MaxZoom)
	}

	tileSize := float64(img.TileSize)
	pixelsPerTile := tileSize * math.Exp2(float64(img.MaxZoom-c.Z))

	// Edge tiles are clamped to the image and padded after the resize.
	startX := int(float64(c.X) * pixelsPerTile)
	startY := int(float64(c.Y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(img.Width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(img.Height)))
	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, c)
	}

	image, err := openImage(img.Path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(tileSize/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	if image.Width() < img.TileSize || image.Height() < img.TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221}
		if err := image.Embed(0, 0, img.TileSize, img.TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = 82
	jpegOpts.Interlace = false
	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	img.log.Debug("tile rendered",
		zap.String("image", img.ID),
		zap.String("tile", c.String()),
		zap.Int("bytes", len(data)),
	)
	return &Payload{
		Data:        data,
		ContentType: contentType(imageFormat),
		ETag:        etag(img.ID, c, imageFormat),
	}, nil
}

func (img *Image) Format() string { return imageFormat }

// openImage picks the vips loader from the file extension. Random access
// suits tile extraction; sequential is enough for reading dimensions.
func openImage(path string, access vips.Access) (*vips.Image, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}

// Dimensions reads the pixel size of the image at path.
func Dimensions(path string) (width, height int, err error) {
	image, err := openImage(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}
