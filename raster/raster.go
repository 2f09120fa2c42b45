// Package raster flattens a board's base snapshot and its visible actions
// into a PNG.
package raster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/zlnvch/inkroom/history"
	"github.com/zlnvch/inkroom/models"
)

const (
	CanvasWidth     = 930
	CanvasHeight    = 800
	BackgroundColor = "#1e1e1e"

	defaultColor    = "#ffffff"
	defaultSize     = 2.0
	defaultFontSize = 20.0
)

var errMalformed = errors.New("malformed action")

type Result struct {
	PNG     []byte
	Drawn   int
	Skipped int
}

type Renderer struct {
	width  int
	height int
	font   *truetype.Font
}

// canvas is the state of one Render call. Font faces are not safe for
// concurrent use, so each call builds its own.
type canvas struct {
	dc    *gg.Context
	font  *truetype.Font
	faces map[float64]font.Face
}

func NewRenderer() (*Renderer, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Renderer{
		width:  CanvasWidth,
		height: CanvasHeight,
		font:   f,
	}, nil
}

// Render paints base (if any and still visible) and then every visible
// action in log order. A base that cannot be decoded is an error; a single
// action that cannot be decoded is skipped and counted.
func (r *Renderer) Render(base []byte, actions []models.Action) (Result, error) {
	visible, baseVisible := history.Visible(actions)

	dc := gg.NewContext(r.width, r.height)
	fillBackground(dc)

	if baseVisible && len(base) > 0 {
		img, _, err := image.Decode(bytes.NewReader(base))
		if err != nil {
			return Result{}, fmt.Errorf("failed to decode base snapshot: %w", err)
		}
		b := img.Bounds()
		if b.Dx() > 0 && b.Dy() > 0 {
			dc.Push()
			dc.Scale(float64(r.width)/float64(b.Dx()), float64(r.height)/float64(b.Dy()))
			dc.DrawImage(img, -b.Min.X, -b.Min.Y)
			dc.Pop()
		}
	}

	c := &canvas{dc: dc, font: r.font, faces: make(map[float64]font.Face)}
	var res Result
	for _, a := range visible {
		if err := c.draw(a); err != nil {
			res.Skipped++
			continue
		}
		res.Drawn++
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return Result{}, fmt.Errorf("failed to encode png: %w", err)
	}
	res.PNG = buf.Bytes()
	return res, nil
}

func fillBackground(dc *gg.Context) {
	dc.SetHexColor(BackgroundColor)
	dc.DrawRectangle(0, 0, float64(dc.Width()), float64(dc.Height()))
	dc.Fill()
}

func (c *canvas) draw(a models.Action) error {
	dc := c.dc
	switch a.Type {
	case models.ActionClear:
		fillBackground(dc)
		return nil

	case models.ActionPen, models.ActionEraser:
		var p models.StrokePayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if len(p.Points) == 0 || !finite(p.Size) {
			return errMalformed
		}
		// A lone point is a path without segments and leaves no mark,
		// as on the clients' canvas.
		if len(p.Points) < 2 {
			return nil
		}
		setStyle(dc, p.Color, p.Size)
		dc.MoveTo(p.Points[0].X, p.Points[0].Y)
		for _, pt := range p.Points[1:] {
			dc.LineTo(pt.X, pt.Y)
		}
		dc.Stroke()
		return nil

	case models.ActionRectangle, models.ActionFilledRectangle:
		var p models.RectanglePayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if !finite(p.X, p.Y, p.Width, p.Height, p.Size) {
			return errMalformed
		}
		setStyle(dc, p.Color, p.Size)
		dc.DrawRectangle(p.X, p.Y, p.Width, p.Height)
		if a.Type == models.ActionFilledRectangle {
			dc.Fill()
		} else {
			dc.Stroke()
		}
		return nil

	case models.ActionCircle, models.ActionFilledCircle:
		var p models.CirclePayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if !finite(p.X, p.Y, p.Radius, p.Size) || p.Radius < 0 {
			return errMalformed
		}
		setStyle(dc, p.Color, p.Size)
		dc.DrawCircle(p.X, p.Y, p.Radius)
		if a.Type == models.ActionFilledCircle {
			dc.Fill()
		} else {
			dc.Stroke()
		}
		return nil

	case models.ActionText:
		var p models.TextPayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if p.Text == "" || !finite(p.X, p.Y, p.FontSize) {
			return errMalformed
		}
		size := p.FontSize
		if size <= 0 {
			size = defaultFontSize
		}
		setStyle(dc, p.Color, 0)
		dc.SetFontFace(c.face(size))
		// Anchored so (x, y) is the top of the text.
		dc.DrawStringAnchored(p.Text, p.X, p.Y, 0, 1)
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", errMalformed, a.Type)
	}
}

func (c *canvas) face(size float64) font.Face {
	if f, ok := c.faces[size]; ok {
		return f
	}
	f := truetype.NewFace(c.font, &truetype.Options{Size: size})
	c.faces[size] = f
	return f
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func setStyle(dc *gg.Context, color string, size float64) {
	if color == "" {
		color = defaultColor
	}
	if size <= 0 {
		size = defaultSize
	}
	dc.SetHexColor(color)
	dc.SetLineWidth(size)
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
