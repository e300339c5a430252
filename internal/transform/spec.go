package transform

import (
	"fmt"
	"image"
	"regexp"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrBadSpec is returned for descriptors that do not parse.
var ErrBadSpec = errors.New("invalid transform descriptor")

// Geometry modifiers, as in ImageMagick geometry strings.
const (
	Fit     byte = 0   // WxH: scale to fit inside, keeping aspect
	Shrink  byte = '>' // only shrink larger images
	Enlarge byte = '<' // only enlarge smaller images
	Exact   byte = '!' // ignore aspect ratio
	Cover   byte = '^' // scale to cover, keeping aspect
	Thumb   byte = '#' // scale to cover then centre-crop to WxH
)

var (
	geometryRe = regexp.MustCompile(`^(\d*)x(\d*)([#>!<^]?)$`)
	cropRe     = regexp.MustCompile(`^(\d+)x(\d+)\+(\d+)\+(\d+)$`)
)

// Geometry is a resize target. A zero dimension is derived from the other
// one and the source aspect ratio.
type Geometry struct {
	Width    int
	Height   int
	Modifier byte
}

// ParseGeometry parses "WxH", "Wx", "xH" with an optional modifier.
func ParseGeometry(s string) (Geometry, error) {
	m := geometryRe.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "") {
		return Geometry{}, errors.Wrapf(ErrBadSpec, "geometry %q", s)
	}
	var g Geometry
	g.Width, _ = strconv.Atoi(m[1])
	g.Height, _ = strconv.Atoi(m[2])
	if g.Width == 0 && g.Height == 0 {
		return Geometry{}, errors.Wrapf(ErrBadSpec, "geometry %q", s)
	}
	if g.Width > MaxDimension || g.Height > MaxDimension {
		return Geometry{}, errors.Wrapf(ErrBadSpec, "geometry %q exceeds %d", s, MaxDimension)
	}
	if m[3] != "" {
		g.Modifier = m[3][0]
	}
	if (g.Modifier == Thumb || g.Modifier == Exact) && (g.Width == 0 || g.Height == 0) {
		return Geometry{}, errors.Wrapf(ErrBadSpec, "geometry %q needs both dimensions", s)
	}
	return g, nil
}

func (g Geometry) String() string {
	var b strings.Builder
	if g.Width > 0 {
		b.WriteString(strconv.Itoa(g.Width))
	}
	b.WriteByte('x')
	if g.Height > 0 {
		b.WriteString(strconv.Itoa(g.Height))
	}
	if g.Modifier != Fit {
		b.WriteByte(g.Modifier)
	}
	return b.String()
}

// Op kinds.
const (
	OpResize = "resize"
	OpCrop   = "crop"
	OpFormat = "format"
)

// Op is one step of a transform chain.
type Op struct {
	Kind     string
	Geometry Geometry
	Crop     image.Rectangle
	Format   string
}

func (o Op) String() string {
	switch o.Kind {
	case OpResize:
		return OpResize + "=" + o.Geometry.String()
	case OpCrop:
		r := o.Crop
		return fmt.Sprintf("%s=%dx%d+%d+%d", OpCrop, r.Dx(), r.Dy(), r.Min.X, r.Min.Y)
	case OpFormat:
		return OpFormat + "=" + o.Format
	}
	return o.Kind
}

// Spec is an ordered transform chain.
type Spec struct {
	Ops []Op
}

// Single reports whether s is one plain resize, the only shape accepted
// without a signed token.
func (s Spec) Single() bool {
	return len(s.Ops) == 1 && s.Ops[0].Kind == OpResize
}

// Format is the output format requested by the chain, or "".
func (s Spec) Format() string {
	format := ""
	for _, op := range s.Ops {
		if op.Kind == OpFormat {
			format = op.Format
		}
	}
	return format
}

// Resizes returns the resize targets of the chain in order.
func (s Spec) Resizes() []Geometry {
	var out []Geometry
	for _, op := range s.Ops {
		if op.Kind == OpResize {
			out = append(out, op.Geometry)
		}
	}
	return out
}

// Target is the geometry the placeholder should match: the last resize, or
// a square default.
func (s Spec) Target() (w, h int) {
	w, h = 128, 128
	for _, op := range s.Ops {
		switch op.Kind {
		case OpResize:
			w, h = op.Geometry.Width, op.Geometry.Height
			if w == 0 {
				w = h
			}
			if h == 0 {
				h = w
			}
		case OpCrop:
			w, h = op.Crop.Dx(), op.Crop.Dy()
		}
	}
	return w, h
}

func (s Spec) String() string {
	parts := make([]string, len(s.Ops))
	for i, op := range s.Ops {
		parts[i] = op.String()
	}
	return strings.Join(parts, ",")
}

// ParseChain parses "resize=64x64#,crop=10x10+0+0,format=png".
func ParseChain(text string) (Spec, error) {
	var spec Spec
	for _, part := range strings.Split(text, ",") {
		kind, arg, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Spec{}, errors.Wrapf(ErrBadSpec, "step %q", part)
		}
		switch kind {
		case OpResize:
			g, err := ParseGeometry(arg)
			if err != nil {
				return Spec{}, err
			}
			spec.Ops = append(spec.Ops, Op{Kind: OpResize, Geometry: g})
		case OpCrop:
			m := cropRe.FindStringSubmatch(arg)
			if m == nil {
				return Spec{}, errors.Wrapf(ErrBadSpec, "crop %q", arg)
			}
			n := make([]int, 4)
			for i := range n {
				n[i], _ = strconv.Atoi(m[i+1])
			}
			if n[0] == 0 || n[1] == 0 || n[0] > MaxDimension || n[1] > MaxDimension {
				return Spec{}, errors.Wrapf(ErrBadSpec, "crop %q", arg)
			}
			spec.Ops = append(spec.Ops, Op{Kind: OpCrop, Crop: image.Rect(n[2], n[3], n[2]+n[0], n[3]+n[1])})
		case OpFormat:
			f := strings.ToLower(arg)
			if _, err := imaging.FormatFromExtension(f); err != nil {
				return Spec{}, errors.Wrapf(ErrBadSpec, "format %q", arg)
			}
			spec.Ops = append(spec.Ops, Op{Kind: OpFormat, Format: f})
		default:
			return Spec{}, errors.Wrapf(ErrBadSpec, "operation %q", kind)
		}
	}
	if len(spec.Ops) == 0 {
		return Spec{}, ErrBadSpec
	}
	return spec, nil
}

// Parse accepts either a bare geometry or a chain.
func Parse(text string) (Spec, error) {
	if strings.Contains(text, "=") {
		return ParseChain(text)
	}
	g, err := ParseGeometry(text)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Ops: []Op{{Kind: OpResize, Geometry: g}}}, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9_.]`)

// SanitizeFilename replaces every character outside [A-Za-z0-9_.] with "_".
func SanitizeFilename(name string) string {
	return unsafeFilename.ReplaceAllString(name, "_")
}
