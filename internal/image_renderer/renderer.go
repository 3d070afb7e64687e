package image_renderer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tileview/internal/image_list"
	"tileview/internal/tile"
)

const TileSize = 256

var (
	ErrImageNotFound = errors.New("image not found")
	// ErrOutOfRange marks tiles that do not overlap the image.
	ErrOutOfRange = errors.New("tile outside image")
)

// Meta describes the tile pyramid of one image.
type Meta struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	TileSize int    `json:"tileSize"`
	MaxZoom  int    `json:"maxZoom"`
	Bytes    int64  `json:"bytes"`
	Format   string `json:"format"`
}

// Renderer cuts JPEG tiles out of catalog images with libvips.
type Renderer struct {
	catalog *image_list.Catalog
	logger  *zap.Logger
	quality int
}

func New(catalog *image_list.Catalog, logger *zap.Logger) *Renderer {
	return &Renderer{
		catalog: catalog,
		logger:  logger,
		quality: 82,
	}
}

// MaxZoom is the level at which one tile pixel is one image pixel.
func MaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	maxZoom := int(math.Ceil(math.Log2(maxDim / TileSize)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// region is the source rectangle of a tile, in image pixels.
type region struct {
	left, top, width, height int
	// scale maps source pixels to tile pixels.
	scale float64
}

// tileRegion locates key in an image of the given size. At zoom 0 one tile
// covers the whole image; each level halves the pixels per tile.
func tileRegion(width, height int, key tile.Key) (region, error) {
	maxZoom := MaxZoom(width, height)
	if !key.Valid() || key.Level > maxZoom {
		return region{}, ErrOutOfRange
	}
	pixelsPerTile := TileSize * math.Pow(2, float64(maxZoom-key.Level))

	// Clamp to image dimensions to handle edge tiles that extend beyond the image.
	startX := int(float64(key.X) * pixelsPerTile)
	startY := int(float64(key.Y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(height)))
	if endX <= startX || endY <= startY {
		return region{}, ErrOutOfRange
	}
	return region{
		left:   startX,
		top:    startY,
		width:  endX - startX,
		height: endY - startY,
		scale:  TileSize / pixelsPerTile,
	}, nil
}

func (r *Renderer) ImageMeta(imageID string) (Meta, error) {
	img, ok := r.catalog.Image(imageID)
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return Meta{
		Width:    img.Width,
		Height:   img.Height,
		TileSize: TileSize,
		MaxZoom:  MaxZoom(img.Width, img.Height),
		Bytes:    img.Bytes,
		Format:   "jpeg",
	}, nil
}

// RenderTile renders one tile as JPEG. Tiles that do not overlap the image
// return ErrOutOfRange.
func (r *Renderer) RenderTile(imageID string, key tile.Key) ([]byte, error) {
	img, ok := r.catalog.Image(imageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	reg, err := tileRegion(img.Width, img.Height, key)
	if err != nil {
		return nil, err
	}
	return r.render(r.catalog.Path(imageID), reg)
}

// RenderBounds renders every tile of b that overlaps the image. Tiles outside
// the image are left out of the result.
func (r *Renderer) RenderBounds(ctx context.Context, imageID string, b tile.Bounds) (map[tile.Key][]byte, error) {
	img, ok := r.catalog.Image(imageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	path := r.catalog.Path(imageID)

	tiles := make(map[tile.Key][]byte, b.Size())
	for _, key := range b.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reg, err := tileRegion(img.Width, img.Height, key)
		if errors.Is(err, ErrOutOfRange) {
			continue
		}
		data, err := r.render(path, reg)
		if err != nil {
			return nil, fmt.Errorf("render tile %s: %w", key, err)
		}
		tiles[key] = data
	}
	r.logger.Debug("Rendered block",
		zap.String("image_id", imageID),
		zap.Stringer("bounds", b),
		zap.Int("tiles", len(tiles)),
	)
	return tiles, nil
}

func (r *Renderer) render(path string, reg region) ([]byte, error) {
	// AccessRandom for efficient tile extraction from large files
	image, err := image_list.LoadImage(path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(reg.left, reg.top, reg.width, reg.height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(reg.scale, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Edge tiles are padded at the bottom right to keep tile alignment.
	if image.Width() < TileSize || image.Height() < TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := image.Embed(0, 0, TileSize, TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = r.quality
	jpegOpts.Interlace = false
	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}
