// Package image_list keeps the catalog of source images. Every image is
// served as its own layer, named by the image id.
package image_list

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var imageExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// Catalog lists the images of a directory. Each image {id}.{ext} has a
// sidecar {id}.json; images found without one are renamed to a fresh uuid.
type Catalog struct {
	mu      sync.RWMutex
	dataDir string
	logger  *zap.Logger
	images  []ImageInfo
	// probe returns the pixel dimensions of an image file.
	probe func(path string) (width, height int, err error)
}

func New(dataDir string, logger *zap.Logger) *Catalog {
	return &Catalog{
		dataDir: dataDir,
		logger:  logger,
		images:  []ImageInfo{},
		probe:   probeVips,
	}
}

// Scan rebuilds the catalog from the data directory.
func (c *Catalog) Scan() error {
	if err := os.MkdirAll(c.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	c.dropStaleSidecars()

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || !imageExtensions[ext] {
			continue
		}
		img, err := c.catalogEntry(entry, ext)
		if err != nil {
			c.logger.Warn("Skipping image", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		images = append(images, *img)
	}
	slices.SortFunc(images, func(a, b ImageInfo) int { return strings.Compare(a.ID, b.ID) })

	c.mu.Lock()
	c.images = images
	c.mu.Unlock()

	c.logger.Info("Image catalog scanned", zap.Int("images", len(images)))
	return nil
}

func (c *Catalog) catalogEntry(entry fs.DirEntry, ext string) (*ImageInfo, error) {
	base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
	img, err := c.readSidecar(c.path(base + ".json"))
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return c.adopt(entry, ext)
}

// adopt gives a new image a uuid name and writes its sidecar.
func (c *Catalog) adopt(entry fs.DirEntry, ext string) (*ImageInfo, error) {
	info, err := entry.Info()
	if err != nil {
		return nil, err
	}
	oldPath := c.path(entry.Name())
	width, height, err := c.probe(oldPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	id := uuid.New().String()
	img := &ImageInfo{
		ID:               id,
		OriginalFilename: entry.Name(),
		CurrentFilename:  id + ext,
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}
	if err := os.Rename(oldPath, c.path(img.CurrentFilename)); err != nil {
		return nil, fmt.Errorf("failed to rename: %w", err)
	}
	if err := c.writeSidecar(img); err != nil {
		c.logger.Warn("Failed to save metadata", zap.String("id", id), zap.Error(err))
	}
	c.logger.Info("Added image to catalog",
		zap.String("id", id),
		zap.String("original_filename", img.OriginalFilename),
	)
	return img, nil
}

// dropStaleSidecars removes sidecars that do not parse, do not match their
// file name or point at a missing image.
func (c *Catalog) dropStaleSidecars() {
	sidecars, err := filepath.Glob(filepath.Join(c.dataDir, "*.json"))
	if err != nil {
		return
	}
	for _, p := range sidecars {
		reason := ""
		img, err := c.readSidecar(p)
		switch {
		case err != nil:
			reason = "invalid"
		case img.ID != strings.TrimSuffix(filepath.Base(p), ".json"):
			reason = "id mismatch"
		default:
			if _, err := os.Stat(c.path(img.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}
		if err := os.Remove(p); err != nil {
			c.logger.Warn("Failed to delete sidecar", zap.String("path", p), zap.Error(err))
			continue
		}
		c.logger.Info("Deleted sidecar", zap.String("path", p), zap.String("reason", reason))
	}
}

func probeVips(path string) (int, int, error) {
	image, err := LoadImage(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

// LoadImage opens an image with the loader matching its extension.
func LoadImage(path string, access vips.Access) (*vips.Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
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
		return nil, fmt.Errorf("unsupported image format: %s", filepath.Ext(path))
	}
}

func (c *Catalog) Images() []ImageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.images)
}

func (c *Catalog) Image(id string) (ImageInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, img := range c.images {
		if img.ID == id {
			return img, true
		}
	}
	return ImageInfo{}, false
}

// Path returns the file of image id, or "" when it is not in the catalog.
func (c *Catalog) Path(id string) string {
	img, ok := c.Image(id)
	if !ok {
		return ""
	}
	return c.path(img.CurrentFilename)
}

func (c *Catalog) path(name string) string {
	return filepath.Join(c.dataDir, name)
}

func (c *Catalog) readSidecar(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var img ImageInfo
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &img, nil
}

func (c *Catalog) writeSidecar(img *ImageInfo) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(c.path(img.ID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
