package transform_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/transform"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decode(t *testing.T, b []byte) (image.Image, string) {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img, format
}

func mustParse(t *testing.T, s string) transform.Spec {
	t.Helper()
	spec, err := transform.Parse(s)
	require.NoError(t, err)
	return spec
}

func TestParseGeometry(t *testing.T) {
	for _, s := range []string{"64x64", "64x64#", "100x>", "x50", "10x20!", "300x200<", "50x50^"} {
		g, err := transform.ParseGeometry(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, g.String())
	}
	for _, s := range []string{"", "x", "64", "axb", "64x64#!", "x50#", "0x0", "8000x8000!", "99999x99999!", "x4097"} {
		_, err := transform.ParseGeometry(s)
		assert.ErrorIs(t, err, transform.ErrBadSpec, s)
	}
}

func TestParseChain(t *testing.T) {
	spec, err := transform.ParseChain("resize=200x200>,crop=100x50+10+20,format=JPG")
	require.NoError(t, err)
	require.Len(t, spec.Ops, 3)
	assert.Equal(t, image.Rect(10, 20, 110, 70), spec.Ops[1].Crop)
	assert.Equal(t, "jpg", spec.Format())
	assert.Equal(t, "resize=200x200>,crop=100x50+10+20,format=jpg", spec.String())
	assert.False(t, spec.Single())

	assert.True(t, mustParse(t, "64x64#").Single())

	for _, s := range []string{"rotate=90", "resize", "crop=1x1", "format=psd", "resize=64x64,"} {
		_, err := transform.ParseChain(s)
		assert.ErrorIs(t, err, transform.ErrBadSpec, s)
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "my_photo__1_.jpg", transform.SanitizeFilename("my photo (1).jpg"))
	assert.Equal(t, ".._etc_passwd", transform.SanitizeFilename("../etc/passwd"))
}

func TestResizeGeometries(t *testing.T) {
	e := transform.NewEngine(0, nil)
	src := pngOf(t, 200, 100)

	cases := map[string]image.Point{
		"50x50":    {50, 25},
		"50x50#":   {50, 50},
		"50x50!":   {50, 50},
		"50x":      {50, 25},
		"x20":      {40, 20},
		"400x400":  {400, 200},
		"400x400>": {200, 100},
		"100x100<": {200, 100},
		"50x50^":   {100, 50},
	}
	for geometry, want := range cases {
		out, err := e.Transform(context.Background(), transform.Job{Input: src, Spec: mustParse(t, geometry), Filename: "a.png"})
		require.NoError(t, err, geometry)
		img, _ := decode(t, out)
		assert.Equal(t, want, img.Bounds().Size(), geometry)
	}
}

func TestChainAndFormat(t *testing.T) {
	e := transform.NewEngine(0, nil)
	spec := mustParse(t, "resize=100x100#,crop=40x30+5+5,format=jpeg")
	out, err := e.Transform(context.Background(), transform.Job{Input: pngOf(t, 300, 200), Spec: spec, Filename: "a.png"})
	require.NoError(t, err)
	img, format := decode(t, out)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Pt(40, 30), img.Bounds().Size())
}

func TestOutputFormatFollowsFilename(t *testing.T) {
	e := transform.NewEngine(0, nil)
	out, err := e.Transform(context.Background(), transform.Job{Input: pngOf(t, 20, 20), Spec: mustParse(t, "10x10"), Filename: "x.gif"})
	require.NoError(t, err)
	_, format := decode(t, out)
	assert.Equal(t, "gif", format)
}

func TestNonImageGetsPlaceholder(t *testing.T) {
	e := transform.NewEngine(0, nil)
	for _, in := range [][]byte{
		[]byte("just some plain text, definitely not pixels"),
		[]byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"),
		append([]byte("\x89PNG\r\n\x1a\n"), []byte("truncated")...),
	} {
		out, err := e.Transform(context.Background(), transform.Job{Input: in, Spec: mustParse(t, "64x48#"), Filename: "notes.txt"})
		require.NoError(t, err)
		img, format := decode(t, out)
		assert.Equal(t, "png", format)
		assert.Equal(t, image.Pt(64, 48), img.Bounds().Size())
		assert.NotEqual(t, in, out)
	}
}

func TestOutOfBoundsCropGetsPlaceholder(t *testing.T) {
	e := transform.NewEngine(0, nil)
	out, err := e.Transform(context.Background(), transform.Job{
		Input:    pngOf(t, 40, 20),
		Spec:     mustParse(t, "crop=10x10+500+500"),
		Filename: "pic.png",
	})
	require.NoError(t, err)
	img, format := decode(t, out)
	assert.Equal(t, "png", format)
	assert.False(t, img.Bounds().Empty())
}

func TestOversizedCropIsRejected(t *testing.T) {
	_, err := transform.ParseChain("crop=99999x10+0+0")
	assert.ErrorIs(t, err, transform.ErrBadSpec)
}

func TestDerivedDimensionIsCapped(t *testing.T) {
	e := transform.NewEngine(0, nil)
	out, err := e.Transform(context.Background(), transform.Job{Input: pngOf(t, 200, 10), Spec: mustParse(t, "x400"), Filename: "strip.png"})
	require.NoError(t, err)
	img, _ := decode(t, out)
	assert.Equal(t, image.Pt(transform.MaxDimension, 205), img.Bounds().Size())
}

func TestCaption(t *testing.T) {
	assert.Equal(t, "PDF", transform.Caption("x.bin", mimetype.Detect([]byte("%PDF-1.4\n"))))
	assert.Equal(t, "DOCX", transform.Caption("report.docx", mimetype.Detect([]byte{0, 1, 2, 3})))
	assert.Equal(t, "FILE", transform.Caption("noext", nil))
}

func TestMissingInput(t *testing.T) {
	e := transform.NewEngine(0, nil)
	_, err := e.Transform(context.Background(), transform.Job{Spec: mustParse(t, "10x10")})
	assert.ErrorIs(t, err, transform.ErrMissingInput)

	p := transform.NewPool(1, time.Second, e)
	defer p.Close()
	_, err = p.Submit(context.Background(), transform.Job{Spec: mustParse(t, "10x10")})
	assert.ErrorIs(t, err, transform.ErrMissingInput)
}

func TestWorkingCopyIsCachedAndShared(t *testing.T) {
	store, err := cache.New(t.TempDir())
	require.NoError(t, err)
	e := transform.NewEngine(64, store)
	src := pngOf(t, 256, 128)

	for _, g := range []string{"32x32", "16x16#"} {
		out, err := e.Transform(context.Background(), transform.Job{Tenant: "t", Input: src, Spec: mustParse(t, g), Filename: "big.png"})
		require.NoError(t, err)
		img, _ := decode(t, out)
		assert.LessOrEqual(t, img.Bounds().Dx(), 32)
	}
	assert.Equal(t, 1, store.Len(), "one working copy reused for both targets")

	// A target larger than the working size bypasses the pre-pass.
	out, err := e.Transform(context.Background(), transform.Job{Tenant: "t", Input: src, Spec: mustParse(t, "100x"), Filename: "big.png"})
	require.NoError(t, err)
	img, _ := decode(t, out)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 1, store.Len())
}

type blocking struct {
	release chan struct{}
}

func (b blocking) Transform(ctx context.Context, job transform.Job) ([]byte, error) {
	<-b.release
	return job.Input, nil
}

func TestPoolTimesOutWhenBusy(t *testing.T) {
	b := blocking{release: make(chan struct{})}
	p := transform.NewPool(1, 50*time.Millisecond, b)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := p.Submit(context.Background(), transform.Job{Input: []byte("first")})
		assert.NoError(t, err)
		assert.Equal(t, []byte("first"), out)
	}()

	// wait until the only worker has picked up the first job
	time.Sleep(20 * time.Millisecond)
	_, err := p.Submit(context.Background(), transform.Job{Input: []byte("second")})
	assert.ErrorIs(t, err, transform.ErrPoolTimeout)

	close(b.release)
	wg.Wait()
	p.Close()
}

type panicking struct{}

func (panicking) Transform(ctx context.Context, job transform.Job) ([]byte, error) {
	if string(job.Input) == "boom" {
		panic("boom")
	}
	return job.Input, nil
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	p := transform.NewPool(1, time.Second, panicking{})
	defer p.Close()

	_, err := p.Submit(context.Background(), transform.Job{Input: []byte("boom")})
	assert.ErrorContains(t, err, "panicked")

	out, err := p.Submit(context.Background(), transform.Job{Input: []byte("fine")})
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), out)
}

func TestPoolRunsConcurrently(t *testing.T) {
	e := transform.NewEngine(0, nil)
	p := transform.NewPool(2, time.Second, e)
	defer p.Close()

	src := pngOf(t, 40, 40)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.Submit(context.Background(), transform.Job{Input: src, Spec: mustParse(t, "10x10"), Filename: "a.png"})
			if assert.NoError(t, err) {
				img, _ := decode(t, out)
				assert.Equal(t, image.Pt(10, 10), img.Bounds().Size())
			}
		}()
	}
	wg.Wait()
}
