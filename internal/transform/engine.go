// Package transform renders image variants on a bounded worker pool.
//
// Chains of resize, crop and format steps are applied with imaging. Input
// that is not a decodable image is answered with a placeholder card, so a
// transform only ever fails for lack of input or of a free worker.
package transform

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/metrics"
)

// ErrMissingInput is returned when there is nothing to transform.
var ErrMissingInput = errors.New("transform input is empty")

// DefaultWorkingSize bounds the intermediate copy used for small targets.
const DefaultWorkingSize = 2048

// MaxDimension is the largest width or height a transform may produce.
const MaxDimension = 4096

// WorkCache stores intermediate working copies. *cache.Store satisfies it.
type WorkCache interface {
	Fetch(ctx context.Context, key cache.Key, populate cache.PopulateFunc) (*os.File, error)
}

// Job is one transform request.
type Job struct {
	Tenant   string
	Input    []byte
	Spec     Spec
	Filename string
}

// Engine applies transform chains. It is safe for concurrent use.
type Engine struct {
	workingSize int
	work        WorkCache
	group       singleflight.Group
}

// NewEngine returns an engine. work may be nil, which disables the
// working-size pre-pass cache but not the pre-pass itself.
func NewEngine(workingSize int, work WorkCache) *Engine {
	if workingSize <= 0 {
		workingSize = DefaultWorkingSize
	}
	return &Engine{workingSize: workingSize, work: work}
}

// Transform renders job and returns the encoded output.
func (e *Engine) Transform(ctx context.Context, job Job) ([]byte, error) {
	if len(job.Input) == 0 {
		return nil, ErrMissingInput
	}
	start := time.Now()
	defer func() { metrics.TransformDuration.Observe(time.Since(start).Seconds()) }()

	format := outputFormat(job)
	mime := mimetype.Detect(job.Input)

	img, err := e.source(ctx, job, mime)
	if err != nil {
		log.WithFields(log.Fields{"file": SanitizeFilename(job.Filename), "mime": mime.String()}).
			Debugf("transform: using placeholder: %v", err)
		return e.placeholder(job, mime, format)
	}

	for _, op := range job.Spec.Ops {
		img = apply(img, op)
	}
	if img.Bounds().Empty() {
		log.WithField("spec", job.Spec.String()).Debug("transform: empty result, using placeholder")
		return e.placeholder(job, mime, format)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		log.WithField("spec", job.Spec.String()).Warnf("transform: encode output: %v", err)
		return e.placeholder(job, mime, format)
	}
	return buf.Bytes(), nil
}

// source decodes the input, substituting the cached working copy when the
// chain only needs a smaller image.
func (e *Engine) source(ctx context.Context, job Job, mime *mimetype.MIME) (image.Image, error) {
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, errors.Errorf("not an image: %s", mime.String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(job.Input))
	if err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if !e.prepass(cfg, job.Spec) {
		return imaging.Decode(bytes.NewReader(job.Input), imaging.AutoOrientation(true))
	}

	sum := sha1.Sum(job.Input)
	name := fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), e.workingSize)
	v, err, _ := e.group.Do(job.Tenant+"/"+name, func() (interface{}, error) {
		return e.working(ctx, job, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// prepass reports whether the source exceeds the working size while every
// resize target fits inside it, and the chain starts by resizing.
func (e *Engine) prepass(cfg image.Config, spec Spec) bool {
	if cfg.Width <= e.workingSize && cfg.Height <= e.workingSize {
		return false
	}
	if len(spec.Ops) == 0 || spec.Ops[0].Kind != OpResize {
		return false
	}
	for _, g := range spec.Resizes() {
		if g.Width > e.workingSize || g.Height > e.workingSize {
			return false
		}
	}
	return true
}

func (e *Engine) working(ctx context.Context, job Job, name string) (image.Image, error) {
	downsample := func() (image.Image, error) {
		img, err := imaging.Decode(bytes.NewReader(job.Input), imaging.AutoOrientation(true))
		if err != nil {
			return nil, err
		}
		return imaging.Fit(img, e.workingSize, e.workingSize, imaging.Lanczos), nil
	}
	if e.work == nil {
		return downsample()
	}

	key := cache.NewKey(job.Tenant, path.Join(".work", name))
	f, err := e.work.Fetch(ctx, key, func(context.Context) (io.ReadCloser, error) {
		img, err := downsample()
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
			return nil, errors.Wrap(err, "encode working copy")
		}
		return io.NopCloser(&buf), nil
	})
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return imaging.Decode(f)
}

func apply(img image.Image, op Op) image.Image {
	if img.Bounds().Empty() {
		return img
	}
	switch op.Kind {
	case OpResize:
		return resize(img, op.Geometry)
	case OpCrop:
		return imaging.Crop(img, op.Crop)
	}
	return img
}

func resize(img image.Image, g Geometry) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	w, h := g.Width, g.Height

	switch g.Modifier {
	case Exact:
		return imaging.Resize(img, w, h, imaging.Lanczos)
	case Thumb:
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	case Cover:
		if w == 0 || h == 0 {
			return scaled(img, w, h)
		}
		if float64(sw)/float64(sh) > float64(w)/float64(h) {
			return scaled(img, 0, h)
		}
		return scaled(img, w, 0)
	case Shrink:
		if (w == 0 || sw <= w) && (h == 0 || sh <= h) {
			return img
		}
	case Enlarge:
		if (w == 0 || sw >= w) && (h == 0 || sh >= h) {
			return img
		}
	}
	if w == 0 || h == 0 {
		return scaled(img, w, h)
	}
	// imaging.Fit never enlarges, so compute the scale directly.
	scale := minFloat(float64(w)/float64(sw), float64(h)/float64(sh))
	return imaging.Resize(img, atLeastOne(float64(sw)*scale), atLeastOne(float64(sh)*scale), imaging.Lanczos)
}

// scaled resizes img keeping its aspect ratio, deriving a zero dimension
// from the other one. A derived side never exceeds MaxDimension.
func scaled(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Empty() {
		return img
	}
	sw, sh := float64(b.Dx()), float64(b.Dy())
	fw, fh := float64(w), float64(h)
	if w == 0 {
		fw = sw * fh / sh
	}
	if h == 0 {
		fh = sh * fw / sw
	}
	if s := float64(MaxDimension) / math.Max(fw, fh); s < 1 {
		fw, fh = fw*s, fh*s
	}
	return imaging.Resize(img, atLeastOne(fw), atLeastOne(fh), imaging.Lanczos)
}

func atLeastOne(f float64) int {
	if n := int(f + 0.5); n > 1 {
		return n
	}
	return 1
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// outputFormat picks the chain's format step, else the filename's image
// extension, else PNG.
func outputFormat(job Job) imaging.Format {
	if f := job.Spec.Format(); f != "" {
		if format, err := imaging.FormatFromExtension(f); err == nil {
			return format
		}
	}
	if format, err := imaging.FormatFromFilename(job.Filename); err == nil {
		return format
	}
	return imaging.PNG
}
