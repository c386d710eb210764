package builtin

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	stddraw "image/draw"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/plugin"
	"github.com/castdio/castd/internal/version"
)

const defaultJPEGQuality = 85

// ImageProcessor is the built-in image plugin. Unlike the encoders it does
// all work in process, so it is always healthy and cancellation is a plain
// context cancel between pipeline stages.
type ImageProcessor struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[models.ULID]context.CancelFunc
}

// NewImageProcessor creates the image plugin.
func NewImageProcessor(logger *slog.Logger) *ImageProcessor {
	return &ImageProcessor{
		logger: observability.WithComponent(logger, "builtin.image"),
		jobs:   make(map[models.ULID]context.CancelFunc),
	}
}

func (p *ImageProcessor) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:            ImagePluginID,
		Name:          "Image Processor",
		Version:       version.Version,
		Author:        "castd",
		APIVersion:    plugin.APIVersion,
		JobTypes:      []models.JobType{models.JobTypeImageProcess},
		InputFormats:  []string{"png", "jpg", "jpeg", "gif", "webp"},
		OutputFormats: []string{"jpg", "jpeg", "png", "gif"},
		Builtin:       true,
	}
}

func (p *ImageProcessor) Initialize(context.Context, string) error { return nil }

func (p *ImageProcessor) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.jobs {
		cancel()
		delete(p.jobs, id)
	}
	return nil
}

func (p *ImageProcessor) Healthy(context.Context) bool { return true }

func (p *ImageProcessor) CanHandle(jobType models.JobType, params models.JobParams) bool {
	if jobType != models.JobTypeImageProcess || params.Image == nil {
		return false
	}
	switch strings.ToLower(params.Image.Format) {
	case "jpg", "jpeg", "png", "gif":
		return true
	}
	return false
}

func (p *ImageProcessor) Process(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
	ip := req.Params.Image
	if ip == nil {
		return plugin.Result{}, models.Validationf("image params required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.jobs[req.JobID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.jobs, req.JobID)
		p.mu.Unlock()
	}()

	f, err := os.Open(ip.InputPath)
	if err != nil {
		return plugin.Result{}, models.WrapError(models.KindValidation, err, "opening input image")
	}
	src, srcFormat, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return plugin.Result{}, models.WrapError(models.KindValidation, err, "decoding %s", filepath.Base(ip.InputPath))
	}
	img := toRGBA(src)
	progress(10, "decoded")
	if err := ctx.Err(); err != nil {
		return plugin.Result{}, err
	}

	if ip.Width > 0 || ip.Height > 0 {
		w, h := targetSize(img.Bounds().Dx(), img.Bounds().Dy(), ip.Width, ip.Height, ip.PreserveAspect)
		img = scale(img, w, h)
	}
	progress(40, "resized")
	if err := ctx.Err(); err != nil {
		return plugin.Result{}, err
	}

	for i, filter := range ip.Filters {
		if filter == models.FilterResize {
			// Sizing already ran above.
			continue
		}
		img, err = applyFilter(img, filter)
		if err != nil {
			return plugin.Result{}, err
		}
		progress(40+50*float64(i+1)/float64(len(ip.Filters)), string(filter))
		if err := ctx.Err(); err != nil {
			return plugin.Result{}, err
		}
	}

	progress(95, "encoding")
	if err := p.encode(img, ip); err != nil {
		return plugin.Result{}, err
	}
	progress(100, "done")

	b := img.Bounds()
	p.logger.Debug("image processed",
		slog.String("job_id", req.JobID.String()),
		slog.String("input_format", srcFormat),
		slog.Int("width", b.Dx()),
		slog.Int("height", b.Dy()),
	)
	return plugin.Result{
		OutputPath: ip.OutputPath,
		Detail:     fmt.Sprintf("%dx%d %s", b.Dx(), b.Dy(), strings.ToLower(ip.Format)),
	}, nil
}

func (p *ImageProcessor) Cancel(jobID models.ULID) error {
	p.mu.Lock()
	cancel := p.jobs[jobID]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (p *ImageProcessor) encode(img *image.RGBA, ip *models.ImageParams) error {
	if dir := filepath.Dir(ip.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return models.WrapError(models.KindStorageError, err, "creating output dir")
		}
	}
	out, err := os.Create(ip.OutputPath)
	if err != nil {
		return models.WrapError(models.KindStorageError, err, "creating output image")
	}
	defer out.Close()

	switch strings.ToLower(ip.Format) {
	case "jpg", "jpeg":
		quality := ip.Quality
		if quality <= 0 || quality > 100 {
			quality = defaultJPEGQuality
		}
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(out, img)
	case "gif":
		err = gif.Encode(out, img, nil)
	default:
		return models.Validationf("unsupported output format %q", ip.Format)
	}
	if err != nil {
		return models.WrapError(models.KindStorageError, err, "encoding %s", ip.Format)
	}
	return out.Close()
}

// targetSize computes output dimensions. With preserve set the source aspect
// ratio is kept and the result fits within the requested box; a single axis
// scales proportionally.
func targetSize(srcW, srcH, wantW, wantH int, preserve bool) (int, int) {
	if wantW <= 0 {
		wantW = srcW
	}
	if wantH <= 0 {
		wantH = srcH
	}
	if !preserve {
		return wantW, wantH
	}
	ratio := math.Min(float64(wantW)/float64(srcW), float64(wantH)/float64(srcH))
	w := int(math.Round(float64(srcW) * ratio))
	h := int(math.Round(float64(srcH) * ratio))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

func scale(src *image.RGBA, w, h int) *image.RGBA {
	if b := src.Bounds(); b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(dst, dst.Bounds(), src, b.Min, stddraw.Src)
	return dst
}

func applyFilter(img *image.RGBA, filter models.ImageFilter) (*image.RGBA, error) {
	switch filter {
	case models.FilterBlur:
		return convolve(img, [9]float64{1, 2, 1, 2, 4, 2, 1, 2, 1}, 16), nil
	case models.FilterSharpen:
		return convolve(img, [9]float64{0, -1, 0, -1, 5, -1, 0, -1, 0}, 1), nil
	case models.FilterGrayscale:
		return grayscale(img), nil
	case models.FilterNormalize:
		return normalize(img), nil
	case models.FilterFlip:
		return flip(img), nil
	case models.FilterFlop:
		return flop(img), nil
	default:
		return nil, models.Validationf("unknown image filter %q", filter)
	}
}

// convolve applies a 3x3 kernel with the given divisor to the color
// channels, clamping at the image edge. Alpha passes through untouched.
func convolve(src *image.RGBA, kernel [9]float64, divisor float64) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sx := clampInt(x+kx, 0, w-1)
					sy := clampInt(y+ky, 0, h-1)
					i := src.PixOffset(b.Min.X+sx, b.Min.Y+sy)
					k := kernel[(ky+1)*3+(kx+1)]
					r += float64(src.Pix[i]) * k
					g += float64(src.Pix[i+1]) * k
					bl += float64(src.Pix[i+2]) * k
				}
			}
			o := dst.PixOffset(x, y)
			dst.Pix[o] = clampByte(r / divisor)
			dst.Pix[o+1] = clampByte(g / divisor)
			dst.Pix[o+2] = clampByte(bl / divisor)
			dst.Pix[o+3] = src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)+3]
		}
	}
	return dst
}

func grayscale(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := src.PixOffset(x, y)
			luma := clampByte(0.299*float64(src.Pix[i]) + 0.587*float64(src.Pix[i+1]) + 0.114*float64(src.Pix[i+2]))
			o := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[o] = luma
			dst.Pix[o+1] = luma
			dst.Pix[o+2] = luma
			dst.Pix[o+3] = src.Pix[i+3]
		}
	}
	return dst
}

// normalize stretches each color channel's histogram to the full range.
func normalize(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	var lo, hi [3]uint8
	for c := 0; c < 3; c++ {
		lo[c], hi[c] = 255, 0
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := src.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := src.Pix[i+c]
				if v < lo[c] {
					lo[c] = v
				}
				if v > hi[c] {
					hi[c] = v
				}
			}
		}
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := src.PixOffset(x, y)
			o := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			for c := 0; c < 3; c++ {
				if hi[c] == lo[c] {
					dst.Pix[o+c] = src.Pix[i+c]
					continue
				}
				dst.Pix[o+c] = clampByte(float64(src.Pix[i+c]-lo[c]) * 255 / float64(hi[c]-lo[c]))
			}
			dst.Pix[o+3] = src.Pix[i+3]
		}
	}
	return dst
}

// flip mirrors the image vertically.
func flip(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcRow := src.PixOffset(b.Min.X, b.Min.Y+y)
		dstRow := dst.PixOffset(0, h-1-y)
		copy(dst.Pix[dstRow:dstRow+w*4], src.Pix[srcRow:srcRow+w*4])
	}
	return dst
}

// flop mirrors the image horizontally.
func flop(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			o := dst.PixOffset(w-1-x, y)
			copy(dst.Pix[o:o+4], src.Pix[i:i+4])
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}
