package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/stowaway/service/internal/metrics"
)

var (
	cardBackground = color.NRGBA{R: 0xee, G: 0xef, B: 0xf1, A: 0xff}
	cardBorder     = color.NRGBA{R: 0xb8, G: 0xbc, B: 0xc4, A: 0xff}
	cardInk        = color.NRGBA{R: 0x4a, G: 0x50, B: 0x5c, A: 0xff}
)

// placeholder draws a card captioned with the file type, sized to the
// chain's target geometry.
func (e *Engine) placeholder(job Job, mime *mimetype.MIME, format imaging.Format) ([]byte, error) {
	metrics.TransformPlaceholders.Inc()

	w, h := job.Spec.Target()
	if w > e.workingSize {
		w = e.workingSize
	}
	if h > e.workingSize {
		h = e.workingSize
	}

	img := imaging.New(w, h, cardBorder)
	if w > 2 && h > 2 {
		draw.Draw(img, image.Rect(1, 1, w-1, h-1), image.NewUniform(cardBackground), image.Point{}, draw.Src)
	}

	caption := Caption(job.Filename, mime)
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(cardInk), Face: face}
	width := d.MeasureString(caption).Ceil()
	x := (w - width) / 2
	if x < 2 {
		x = 2
	}
	y := (h + face.Ascent - face.Descent) / 2
	d.Dot = fixed.P(x, y)
	d.DrawString(caption)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return nil, errors.Wrap(err, "encode placeholder")
	}
	return buf.Bytes(), nil
}

// Caption is the short type label drawn on a placeholder: the detected
// type's extension when content sniffing recognised it, else the filename
// extension, else "FILE".
func Caption(filename string, mime *mimetype.MIME) string {
	var ext string
	if mime != nil && !mime.Is("application/octet-stream") {
		ext = strings.TrimPrefix(mime.Extension(), ".")
	}
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(filename), ".")
	}
	if ext == "" {
		return "FILE"
	}
	return strings.ToUpper(SanitizeFilename(ext))
}
