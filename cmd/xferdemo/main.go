// Command xferdemo uploads images through the transfer subsystem and writes
// every resulting mip level back out as PNG.
//
// Usage:
//
//	xferdemo [flags] image...
//
// PNG, JPEG, GIF, BMP, TIFF and WebP inputs are accepted. Level files are
// only written when the cpu backend is selected, since it is the only one
// whose images can be read back on the host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer"
	"github.com/gogpu/transfer/backend"
	"github.com/gogpu/transfer/backend/cpu"
	"github.com/gogpu/transfer/backend/native"
	"github.com/gogpu/transfer/driver"
	_ "github.com/gogpu/wgpu/hal/allbackends"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

type config struct {
	backend   string
	allocator string
	levels    uint32
	outDir    string
	parallel  int
	timeout   time.Duration
	paths     []string
}

func main() {
	var (
		backendName = flag.String("backend", "", "device backend (default: best available)")
		allocator   = flag.String("allocator", "pooled", "staging allocator: direct or pooled")
		levels      = flag.Int("levels", 0, "mip levels per image (0: full chain)")
		outDir      = flag.String("out", "", "directory for level PNGs (cpu backend only)")
		parallel    = flag.Int("parallel", 4, "concurrent uploads")
		timeout     = flag.Duration("timeout", 30*time.Second, "time allowed for uploads to complete")
		verbose     = flag.Bool("v", false, "debug logging")
		list        = flag.Bool("list", false, "list backends and exit")
	)
	flag.Parse()

	if *list {
		for _, name := range backend.Available() {
			fmt.Println(name)
		}
		return
	}
	if flag.NArg() == 0 {
		log.Fatalf("no input images")
	}

	setupLogging(*verbose)

	err := run(config{
		backend:   *backendName,
		allocator: *allocator,
		levels:    uint32(max(*levels, 0)),
		outDir:    *outDir,
		parallel:  *parallel,
		timeout:   *timeout,
		paths:     flag.Args(),
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg config) error {
	kind, err := parseAllocator(cfg.allocator)
	if err != nil {
		return err
	}

	dev, name, err := openDevice(cfg.backend)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer dev.Close()
	log.Printf("Using %s backend", name)

	m, err := transfer.NewManager(dev, transfer.WithAllocator(kind))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	images := make([]*transfer.Image, len(cfg.paths))
	g := new(errgroup.Group)
	g.SetLimit(cfg.parallel)
	for i, path := range cfg.paths {
		g.Go(func() error {
			img, err := upload(m, dev, path, cfg.levels)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			images[i] = img
			return nil
		})
	}
	uploadErr := g.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if err := m.Drain(ctx); err != nil {
		log.Printf("Drain: %v", err)
		// Images may still be referenced by pending copies.
		if werr := dev.WaitIdle(); werr != nil {
			return errors.Join(uploadErr, fmt.Errorf("drain: %w", err), fmt.Errorf("wait idle: %w", werr))
		}
	}
	log.Printf("%v", m.Stats())

	if uploadErr == nil && cfg.outDir != "" {
		uploadErr = writeLevels(cfg.outDir, cfg.paths, images)
	}
	for _, img := range images {
		if img != nil {
			img.Destroy()
		}
	}
	if err := m.Close(); err != nil {
		log.Printf("Close: %v", err)
	}
	return uploadErr
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	transfer.SetLogger(l)
	cpu.SetLogger(l)
	native.SetLogger(l)
}

func parseAllocator(s string) (transfer.AllocatorKind, error) {
	for _, k := range []transfer.AllocatorKind{transfer.AllocatorDirect, transfer.AllocatorPooled} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown allocator %q", s)
}

func openDevice(name string) (driver.Device, string, error) {
	if name == "" {
		return backend.OpenDefault()
	}
	dev, err := backend.Open(name)
	return dev, name, err
}

// upload decodes path, creates a matching image and queues its upload.
func upload(m *transfer.Manager, dev driver.Device, path string, levels uint32) (*transfer.Image, error) {
	src, err := decode(path)
	if err != nil {
		return nil, err
	}
	w, h := uint32(src.Rect.Dx()), uint32(src.Rect.Dy())
	if levels == 0 {
		levels = transfer.MaxMipLevels(w, h)
	}
	img, err := transfer.NewImage(dev, transfer.ImageDesc{
		Label:  filepath.Base(path),
		Width:  w,
		Height: h,
		Levels: levels,
		Layers: 1,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		return nil, err
	}
	if err := m.UploadImage(img, [][]byte{src.Pix}); err != nil {
		img.Destroy()
		return nil, err
	}
	slog.Debug("queued upload", "path", path, "width", w, "height", h, "levels", levels)
	return img, nil
}

// decode reads an image file into tightly packed RGBA.
func decode(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	slog.Debug("decoded", "path", path, "format", format)
	return dst, nil
}

// writeLevels stores every level of every image as <name>.<level>.png.
func writeLevels(dir string, paths []string, images []*transfer.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, img := range images {
		ci, ok := img.Handle().(*cpu.Image)
		if !ok {
			return fmt.Errorf("-out needs the cpu backend, images live in %T", img.Handle())
		}
		base := strings.TrimSuffix(filepath.Base(paths[i]), filepath.Ext(paths[i]))
		for k := uint32(0); k < img.Levels(); k++ {
			w, h := driver.MipExtent(img.Width(), img.Height(), k)
			level := &image.RGBA{
				Pix:    ci.Level(0, k),
				Stride: int(w) * 4,
				Rect:   image.Rect(0, 0, int(w), int(h)),
			}
			out := filepath.Join(dir, fmt.Sprintf("%s.%d.png", base, k))
			if err := savePNG(out, level); err != nil {
				return err
			}
			log.Printf("Wrote %s (%dx%d)", out, w, h)
		}
	}
	return nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
