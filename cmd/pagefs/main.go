package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"pagefs/internal/disk"
	"pagefs/internal/engine"
	"pagefs/internal/fs"
	"pagefs/internal/image"
	"pagefs/internal/logging"
	"pagefs/internal/shell"
)

var (
	logger = logging.GetLogger()
)

func main() {
	defaults := disk.DefaultGeometry()

	// Parse command line flags
	imagePath := flag.String("image", "", "Image file path (required)")
	mountPoint := flag.String("mount", "", "Mount the image through FUSE instead of starting the shell")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	backups := flag.Int("backups", 0, "Number of image backups to keep")
	parity := flag.Int("parity", 0, "Reed-Solomon parity shards, 0 disables the sidecar")
	pageSize := flag.Int("page-size", defaults.PageSize, "Page size in bytes")
	bitmapPages := flag.Int("bitmap-pages", defaults.BitmapPages, "Pages reserved for the allocation bitmap")
	rootEntries := flag.Int("root-entries", defaults.RootEntries, "Root directory slots")
	poolPages := flag.Int("pool-pages", defaults.PoolPages, "Pages in the allocation pool")
	maxDepth := flag.Int("max-depth", engine.DefaultMaxDepth, "Maximum directory nesting")
	flag.Parse()

	// Configure logging based on flags
	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	if *imagePath == "" {
		logger.Error("Image file path is required")
		flag.Usage()
		os.Exit(1)
	}

	geom := disk.Geometry{
		PageSize:    *pageSize,
		BitmapPages: *bitmapPages,
		RootEntries: *rootEntries,
		PoolPages:   *poolPages,
	}
	logger.Info("Starting pagefs...")
	logger.Debug("Image: %s", *imagePath)
	logger.Debug("Geometry: %+v", geom)

	mgr, err := image.Open(filepath.Clean(*imagePath), image.Options{
		Geometry:     geom,
		Backups:      *backups,
		ParityShards: *parity,
	})
	if err != nil {
		logger.Error("Failed to open image: %v", err)
		os.Exit(1)
	}

	if err := run(mgr, geom, *maxDepth, *mountPoint); err != nil {
		logger.Error("%v", err)
		mgr.Close()
		os.Exit(1)
	}
	if err := mgr.Close(); err != nil {
		logger.Error("Failed to close image: %v", err)
		os.Exit(1)
	}
	logger.Info("Clean shutdown complete")
}

func run(mgr *image.Manager, geom disk.Geometry, maxDepth int, mountPoint string) error {
	store, err := disk.NewStore(geom, mgr)
	if err != nil {
		return err
	}
	eng, err := engine.New(store, engine.Options{MaxDepth: maxDepth})
	if err != nil {
		return err
	}

	logger.Debug("Setting up signal handlers...")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mountPoint == "" {
		return shell.New(eng, os.Stdin, os.Stdout, "> ").Run(ctx)
	}

	cleanMount := filepath.Clean(mountPoint)
	pfs := fs.NewPageFS(eng)
	if err := pfs.Mount(cleanMount); err != nil {
		return err
	}
	logger.Info("Filesystem mounted and ready")

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return pfs.Unmount(cleanMount)
}
