package sealarray

import (
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	svcerrors "github.com/anoint-array/platform/internal/errors"
)

// Glyph is a symbol bound to a numerology number.
type Glyph struct {
	Number  int    `json:"number"`
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
	Meaning string `json:"meaning"`
}

// GlyphSet maps numbers to glyphs.
type GlyphSet struct {
	Name   string  `json:"name"`
	Glyphs []Glyph `json:"glyphs"`
}

// Lookup returns the glyph for n.
func (g *GlyphSet) Lookup(n int) (Glyph, bool) {
	if g == nil {
		return Glyph{}, false
	}
	for _, gl := range g.Glyphs {
		if gl.Number == n {
			return gl, true
		}
	}
	return Glyph{}, false
}

var glyphHeader = []string{"number", "symbol", "name", "meaning"}

const maxGlyphRows = 64

func validNumber(n int) bool {
	return (n >= 1 && n <= 9) || IsMaster(n)
}

// ParseGlyphCSV reads number,symbol,name,meaning rows. Errors carry the
// 1-based line number of the offending row.
func ParseGlyphCSV(r io.Reader) ([]Glyph, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(glyphHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if stderrors.Is(err, io.EOF) {
		return nil, svcerrors.InvalidInput("glyph csv is empty")
	}
	if err != nil {
		return nil, csvError(err)
	}
	for i, col := range glyphHeader {
		if !strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")), col) {
			return nil, svcerrors.InvalidInput("line 1: header must be " + strings.Join(glyphHeader, ","))
		}
	}

	var glyphs []Glyph
	seen := make(map[int]int)
	for {
		rec, err := cr.Read()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := cr.FieldPos(0)

		n, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil || !validNumber(n) {
			return nil, svcerrors.InvalidInput(fmt.Sprintf("line %d: number must be 1-9, 11, 22 or 33", line))
		}
		if prev, dup := seen[n]; dup {
			return nil, svcerrors.InvalidInput(fmt.Sprintf("line %d: number %d already defined on line %d", line, n, prev))
		}
		seen[n] = line

		g := Glyph{
			Number:  n,
			Symbol:  strings.TrimSpace(rec[1]),
			Name:    strings.TrimSpace(rec[2]),
			Meaning: strings.TrimSpace(rec[3]),
		}
		if g.Symbol == "" || g.Name == "" {
			return nil, svcerrors.InvalidInput(fmt.Sprintf("line %d: symbol and name are required", line))
		}
		glyphs = append(glyphs, g)
		if len(glyphs) > maxGlyphRows {
			return nil, svcerrors.InvalidInput(fmt.Sprintf("line %d: too many rows", line))
		}
	}
	if len(glyphs) == 0 {
		return nil, svcerrors.InvalidInput("glyph csv has no rows")
	}
	return glyphs, nil
}

func csvError(err error) error {
	var pe *csv.ParseError
	if stderrors.As(err, &pe) {
		return svcerrors.InvalidInput(fmt.Sprintf("line %d: %v", pe.Line, pe.Err))
	}
	return svcerrors.InvalidInput(err.Error())
}

// DefaultGlyphs is used until a glyph set is uploaded.
func DefaultGlyphs() *GlyphSet {
	return &GlyphSet{
		Name: "default",
		Glyphs: []Glyph{
			{1, "☉", "Sun", "Initiation"},
			{2, "☽", "Moon", "Union"},
			{3, "♃", "Jupiter", "Expansion"},
			{4, "♅", "Uranus", "Foundation"},
			{5, "☿", "Mercury", "Change"},
			{6, "♀", "Venus", "Harmony"},
			{7, "♆", "Neptune", "Insight"},
			{8, "♄", "Saturn", "Authority"},
			{9, "♂", "Mars", "Completion"},
			{11, "✶", "Illuminator", "Intuition"},
			{22, "✷", "Builder", "Manifestation"},
			{33, "✹", "Guide", "Compassion"},
		},
	}
}
