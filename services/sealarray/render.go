package sealarray

import (
	"bytes"
	"hash/fnv"
	"image/color"
	"image/png"
	"math"
	"math/rand"

	"github.com/fogleman/gg"
)

const (
	MinImageSize     = 256
	MaxImageSize     = 4096
	DefaultImageSize = 1024
)

// Palette holds the colours of a rendered array.
type Palette struct {
	Background color.RGBA
	Ring       color.RGBA
	Polygon    color.RGBA
	Dot        color.RGBA
}

// PaletteFor derives a palette from the life path number. Master numbers
// get the gold variant of their base hue.
func PaletteFor(lifePath int) Palette {
	hue := float64(Reduce(lifePath)%9) * 40
	sat := 0.65
	if IsMaster(lifePath) {
		hue, sat = 45, 0.8
	}
	return Palette{
		Background: hsl(hue+180, 0.35, 0.08),
		Ring:       hsl(hue, sat, 0.55),
		Polygon:    hsl(hue+30, sat, 0.65),
		Dot:        hsl(hue-30, sat, 0.75),
	}
}

func hsl(h, s, l float64) color.RGBA {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2
	var r, g, b float64
	switch {
	case h < 60:
		r, g = c, x
	case h < 120:
		r, g = x, c
	case h < 180:
		g, b = c, x
	case h < 240:
		g, b = x, c
	case h < 300:
		r, b = x, c
	default:
		r, b = c, x
	}
	to := func(v float64) uint8 { return uint8(math.Round((v + m) * 255)) }
	return color.RGBA{R: to(r), G: to(g), B: to(b), A: 0xff}
}

// Sides is the vertex count drawn for n. Numbers below 3 would not close a
// polygon, so 1 and 2 become a triangle and a square.
func Sides(n int) int {
	if n < 3 {
		return n + 2
	}
	return n
}

func glyphTint(base color.RGBA, g Glyph) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(g.Symbol + g.Name))
	v := h.Sum32()
	shift := func(c uint8, s uint32) uint8 {
		return uint8((int(c) + int(s%48) - 24 + 256) % 256)
	}
	return color.RGBA{R: shift(base.R, v), G: shift(base.G, v>>8), B: shift(base.B, v>>16), A: 0xff}
}

// ClampSize bounds an image size, using the default for zero.
func ClampSize(size int) int {
	switch {
	case size <= 0:
		return DefaultImageSize
	case size < MinImageSize:
		return MinImageSize
	case size > MaxImageSize:
		return MaxImageSize
	}
	return size
}

// Render draws the seal array for p as a PNG. Output depends only on the
// arguments.
func Render(p Profile, glyphs *GlyphSet, size int) ([]byte, error) {
	size = ClampSize(size)
	pal := PaletteFor(p.LifePath)
	dc := gg.NewContext(size, size)
	dc.SetColor(pal.Background)
	dc.Clear()
	dc.SetLineJoin(gg.LineJoinRound)
	dc.SetLineCap(gg.LineCapRound)

	rng := rand.New(rand.NewSource(int64(p.Seed)))
	center := float64(size) / 2
	unit := float64(size) / 512
	numbers := p.CoreNumbers()
	step := center * 0.85 / float64(len(numbers))

	for i, n := range numbers {
		radius := step * float64(i+1)
		ringCol := pal.Ring
		if g, ok := glyphs.Lookup(n); ok {
			ringCol = glyphTint(pal.Ring, g)
		}
		dc.SetColor(ringCol)
		dc.SetLineWidth(2 * unit)
		dc.DrawCircle(center, center, radius)
		dc.Stroke()

		sides := Sides(n)
		// Keep vertices at least a few pixels apart on small rings.
		if limit := int(2 * math.Pi * radius / (6 * unit)); sides > limit && limit >= 3 {
			sides = limit
		}
		rot := rng.Float64() * 2 * math.Pi / float64(sides)
		pts := make([]gg.Point, sides)
		for k := range pts {
			a := rot + 2*math.Pi*float64(k)/float64(sides) - math.Pi/2
			pts[k] = gg.Point{X: center + radius*math.Cos(a), Y: center + radius*math.Sin(a)}
		}

		dc.SetColor(pal.Polygon)
		dc.SetLineWidth(1.5 * unit)
		dc.MoveTo(pts[0].X, pts[0].Y)
		for _, pt := range pts[1:] {
			dc.LineTo(pt.X, pt.Y)
		}
		dc.ClosePath()
		dc.Stroke()

		dc.SetColor(pal.Dot)
		for _, pt := range pts {
			dc.DrawCircle(pt.X, pt.Y, 3*unit)
			dc.Fill()
		}
	}
	dc.SetColor(pal.Dot)
	dc.DrawCircle(center, center, 4*unit)
	dc.Fill()

	var buf bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.DefaultCompression}).Encode(&buf, dc.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
