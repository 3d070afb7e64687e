package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tileview/internal/config"
	httphandlers "tileview/internal/http"
	"tileview/internal/image_list"
	"tileview/internal/image_renderer"
	"tileview/internal/logger"
	"tileview/internal/pyramid"
	"tileview/internal/store"
	"tileview/internal/tile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	startVips(cfg, log)
	defer vips.Shutdown()

	log.Info("Starting tileview server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("layers", len(cfg.Layers)),
	)

	tiles, err := pyramid.New[[]byte](
		pyramid.WithLogger(log.Named("pyramid")),
		pyramid.WithRegisterer(prometheus.DefaultRegisterer),
		pyramid.WithMaxRetained(cfg.Cache.MaxTiles),
		pyramid.WithMaxQueued(cfg.Cache.MaxQueued),
		pyramid.WithBatchSize(cfg.Cache.BatchSize),
		pyramid.WithRetryInterval(cfg.Cache.RetryInterval),
		pyramid.WithMaxAttempts(cfg.Cache.MaxAttempts),
		pyramid.WithReadTimeout(cfg.Cache.ReadTimeout),
		pyramid.WithRangeConcurrency(cfg.Cache.RangeConcurrency),
		pyramid.WithReadsPerSecond(cfg.Cache.ReadsPerSecond),
	)
	if err != nil {
		log.Fatal("Failed to initialize caching pyramid", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log.Named("http"), tiles)

	ctx := context.Background()
	var warmups []warmup

	for _, l := range cfg.Layers {
		// A failed setup is logged by the pyramid; the layer then serves no tiles.
		if err := tiles.SetupBaseStore(l.ID, store.Factory(ctx, l, log.Named("store"))); err == nil {
			if err := tiles.InitializeForRead(ctx, l.ID, nil); err != nil {
				log.Warn("Failed to initialize layer", zap.String("layer", l.ID), zap.Error(err))
			}
		}
		layer := httphandlers.NewLayer(l.ID, l.ContentType, l.Extension)
		handlers.AddLayer(layer)
		warmups = append(warmups, warmup{layer: layer, levels: l.Warmup(cfg.WarmupLevels), grid: worldGrid})
	}

	catalog := image_list.New(cfg.DataDir, log.Named("catalog"))
	if err := catalog.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	imageStore := image_renderer.NewStore(image_renderer.New(catalog, log.Named("renderer")))
	for _, img := range catalog.Images() {
		if err := tiles.RegisterStore(img.ID, imageStore); err != nil {
			log.Warn("Failed to register image layer", zap.String("image", img.ID), zap.Error(err))
			continue
		}
		layer := httphandlers.NewLayer(img.ID, "image/jpeg", "jpg")
		handlers.AddLayer(layer)
		warmups = append(warmups, warmup{layer: layer, levels: cfg.WarmupLevels, grid: imageGrid(img)})
	}

	mux := handlers.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	go warmupTiles(tiles, warmups, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	tiles.Close()

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

// maxWarmupTiles caps the tiles queued for a single warmup level.
const maxWarmupTiles = 1 << 16

// warmup describes the tiles of one layer prefetched at startup: every tile
// of levels 0 to levels-1 inside grid.
type warmup struct {
	layer  httphandlers.Layer
	levels int
	grid   func(level int) (tilesX, tilesY int)
}

// worldGrid is the full 2^z by 2^z grid.
func worldGrid(level int) (int, int) {
	n := 1 << level
	return n, n
}

// imageGrid covers the image at each level; levels past its max zoom are empty.
func imageGrid(img image_list.ImageInfo) func(int) (int, int) {
	maxZoom := image_renderer.MaxZoom(img.Width, img.Height)
	return func(level int) (int, int) {
		if level > maxZoom {
			return 0, 0
		}
		span := image_renderer.TileSize * math.Pow(2, float64(maxZoom-level))
		return int(math.Ceil(float64(img.Width) / span)), int(math.Ceil(float64(img.Height) / span))
	}
}

// warmupTiles queues the warmup tiles of every layer. The pyramid fetches
// them in the background; queue caps still apply.
func warmupTiles(p *pyramid.CachingPyramid[[]byte], warmups []warmup, log *zap.Logger) {
	total := 0
	for _, w := range warmups {
		for z := 0; z < w.levels; z++ {
			tilesX, tilesY := w.grid(z)
			if tilesX == 0 || tilesY == 0 {
				break
			}
			b := tile.Bounds{Level: z, MinX: 0, MaxX: tilesX - 1, MinY: 0, MaxY: tilesY - 1}
			if b.Size() > maxWarmupTiles {
				log.Warn("Warmup level too large, skipping deeper levels",
					zap.String("layer", w.layer.ID),
					zap.Int("level", z),
					zap.Int("tiles", b.Size()),
				)
				break
			}
			keys := b.Keys()
			p.RequestTiles(w.layer.ID, w.layer.Serializer(), keys)
			total += len(keys)
		}
	}
	if total > 0 {
		log.Info("Tile warmup queued", zap.Int("layers", len(warmups)), zap.Int("tiles", total))
	}
}
