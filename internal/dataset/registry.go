// Package dataset keeps the catalogue of tile sources a session can bind to.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"tilecascade/internal/cache"
	"tilecascade/internal/config"
	"tilecascade/internal/index"
	"tilecascade/internal/source"
	"tilecascade/internal/tileset"
)

const (
	KindImage    = "image"
	KindUpstream = "upstream"
)

var ErrNotFound = errors.New("dataset not found")

// namespace derives stable dataset ids from file names.
var namespace = uuid.MustParse("6f1c9a52-5d0e-4b47-9a3c-7e2f3b1d8c40")

var imageExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Dataset is everything a tileset needs to serve one source.
type Dataset struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Format      string     `json:"format"`
	TileSize    int        `json:"tile_size"`
	MinZoom     int        `json:"min_zoom"`
	MaxZoom     int        `json:"max_zoom"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	Bytes       int64      `json:"bytes,omitempty"`
	Extent      *orb.Bound `json:"extent,omitempty"`
	Attribution string     `json:"attribution,omitempty"`

	Index    tileset.IndexGenerator   `json:"-"`
	Metadata tileset.MetadataProvider `json:"-"`
	Loader   tileset.Loader           `json:"-"`
}

// Options narrows opts to the zoom range the dataset can serve.
func (d *Dataset) Options(opts tileset.Options) tileset.Options {
	opts.MinZoom = math.Max(opts.MinZoom, float64(d.MinZoom))
	opts.MaxZoom = math.Min(opts.MaxZoom, float64(d.MaxZoom))
	return opts
}

// sidecar is the optional {name}.json next to an image.
type sidecar struct {
	Name        string `json:"name"`
	Attribution string `json:"attribution"`
}

type Registry struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset

	dataDir  string
	tileSize int
	store    cache.Cache
	log      *zap.Logger

	dimensions func(path string) (int, int, error)
}

func NewRegistry(dataDir string, store cache.Cache, log *zap.Logger) *Registry {
	return &Registry{
		datasets:   make(map[string]*Dataset),
		dataDir:    dataDir,
		tileSize:   256,
		store:      store,
		log:        log,
		dimensions: source.Dimensions,
	}
}

func (r *Registry) Register(d *Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets[d.ID] = d
}

func (r *Registry) Get(id string) (*Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// List returns every dataset ordered by name.
func (r *Registry) List() []*Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Dataset, 0, len(r.datasets))
	for _, d := range r.datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Scan registers every image in the data directory. Images that cannot be
// read are logged and skipped.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !imageExtensions[ext] {
			continue
		}
		path := filepath.Join(r.dataDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			r.log.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}
		d, err := r.imageDataset(path, info.Size())
		if err != nil {
			r.log.Warn("Failed to scan image", zap.String("path", path), zap.Error(err))
			continue
		}
		r.Register(d)
		r.log.Info("Registered image dataset",
			zap.String("id", d.ID),
			zap.String("name", d.Name),
			zap.Int("width", d.Width),
			zap.Int("height", d.Height),
			zap.Int("max_zoom", d.MaxZoom),
		)
	}
	return nil
}

func (r *Registry) imageDataset(path string, size int64) (*Dataset, error) {
	width, height, err := r.dimensions(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	base := filepath.Base(path)
	id := uuid.NewSHA1(namespace, []byte(base)).String()
	img := source.NewImage(id, path, width, height, r.tileSize, r.log)

	// One world unit is 2^MaxZoom image pixels, so a level 0 tile covers
	// TileSize units and the full-resolution level lines up with pixels.
	scale := math.Exp2(float64(img.MaxZoom))
	extent := orb.Bound{Max: orb.Point{float64(width) / scale, float64(height) / scale}}

	d := &Dataset{
		ID:       id,
		Name:     strings.TrimSuffix(base, filepath.Ext(base)),
		Kind:     KindImage,
		Format:   img.Format(),
		TileSize: r.tileSize,
		MaxZoom:  img.MaxZoom,
		Width:    width,
		Height:   height,
		Bytes:    size,
		Extent:   &extent,
		Index:    index.Cartesian{TileSize: r.tileSize, Extent: &extent},
		Metadata: index.CartesianMetadata(r.tileSize),
		Loader:   source.NewCached(id, img.Format(), img, r.store, r.log),
	}

	if meta, err := loadSidecar(strings.TrimSuffix(path, filepath.Ext(path)) + ".json"); err == nil {
		if meta.Name != "" {
			d.Name = meta.Name
		}
		d.Attribution = meta.Attribution
	} else if !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("Failed to load metadata, ignoring", zap.String("path", path), zap.Error(err))
	}
	return d, nil
}

func loadSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// RegisterUpstream adds the configured XYZ server, if any.
func (r *Registry) RegisterUpstream(cfg config.Upstream) *Dataset {
	if cfg.BaseURL == "" {
		return nil
	}
	id := uuid.NewSHA1(namespace, []byte(cfg.BaseURL)).String()
	up := source.NewUpstream(cfg.Name, cfg.BaseURL, cfg.Format, cfg.Timeout, r.log)

	d := &Dataset{
		ID:       id,
		Name:     cfg.Name,
		Kind:     KindUpstream,
		Format:   cfg.Format,
		TileSize: cfg.TileSize,
		MaxZoom:  cfg.MaxZoom,
		Index:    index.Geographic{TileSize: cfg.TileSize},
		Metadata: index.GeographicMetadata,
		Loader:   source.NewCached(id, cfg.Format, up, r.store, r.log),
	}
	r.Register(d)
	r.log.Info("Registered upstream dataset", zap.String("id", id), zap.String("base_url", cfg.BaseURL))
	return d
}
