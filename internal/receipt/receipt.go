// Package receipt renders order receipts as single-page PNG images.
package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrInvalidRequest is returned when a request lacks the fields every receipt prints.
var ErrInvalidRequest = errors.New("invalid receipt request")

// Request is the data printed on a receipt.
type Request struct {
	OrderNumber  string
	BusinessName string
	ServiceName  string
	Details      []string
	Amount       string // display amount without currency symbol, e.g. "100" or "257.63"
	CustomerName string
	IssuedAt     time.Time
}

// Validate reports the first missing mandatory field.
func (r Request) Validate() error {
	switch {
	case r.OrderNumber == "":
		return fmt.Errorf("%w: order number is required", ErrInvalidRequest)
	case r.ServiceName == "":
		return fmt.Errorf("%w: service name is required", ErrInvalidRequest)
	case r.Amount == "":
		return fmt.Errorf("%w: amount is required", ErrInvalidRequest)
	}
	return nil
}

// Generator produces a receipt image.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// Default layout values.
const (
	DefaultWidth  = 800
	DefaultHeight = 1000
)

// Palette.
var (
	ColorHeader = color.RGBA{0x1e, 0x40, 0xaf, 0xff}
	ColorPaid   = color.RGBA{0x10, 0xb9, 0x81, 0xff}
	colorLabel  = color.RGBA{0x6b, 0x72, 0x80, 0xff}
	colorValue  = color.RGBA{0x11, 0x18, 0x27, 0xff}
	colorMuted  = color.RGBA{0x37, 0x41, 0x51, 0xff}
	colorRule   = color.RGBA{0xd1, 0xd5, 0xdb, 0xff}
	colorAmount = color.RGBA{0x05, 0x96, 0x69, 0xff}
)

// Opts configures a PNGRenderer.
type Opts struct {
	Width, Height int
	Tagline       string
	Footer        []string
}

// Option mutates Opts.
type Option func(*Opts)

// WithSize sets the canvas size.
func WithSize(w, h int) Option {
	return func(o *Opts) {
		o.Width, o.Height = w, h
	}
}

// WithTagline sets the line printed under the business name.
func WithTagline(tagline string) Option {
	return func(o *Opts) {
		o.Tagline = tagline
	}
}

// WithFooter sets the centred lines printed under the PAID band.
func WithFooter(lines ...string) Option {
	return func(o *Opts) {
		o.Footer = lines
	}
}

// PNGRenderer draws receipts with the built-in bitmap face scaled up.
type PNGRenderer struct {
	opts Opts
}

// NewPNGRenderer creates a renderer.
func NewPNGRenderer(opts ...Option) *PNGRenderer {
	o := Opts{Width: DefaultWidth, Height: DefaultHeight}
	for _, opt := range opts {
		opt(&o)
	}
	return &PNGRenderer{opts: o}
}

type align int

const (
	alignLeft align = iota
	alignCenter
	alignRight
)

// Generate renders req to PNG bytes.
func (p *PNGRenderer) Generate(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	issued := req.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}

	w, h := p.opts.Width, p.opts.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, img.Bounds(), color.White)
	fill(img, image.Rect(0, 0, w, 180), ColorHeader)

	title := strings.ToUpper(req.BusinessName)
	drawText(img, title, w/2, 70, fitScale(title, w-40, 4), color.White, alignCenter)
	drawText(img, p.opts.Tagline, w/2, 115, 2, color.White, alignCenter)
	drawText(img, "RECEIPT", w/2, 250, 3, ColorHeader, alignCenter)
	drawText(img, "Order #"+req.OrderNumber, w/2, 290, 2, colorMuted, alignCenter)
	fill(img, image.Rect(50, 319, w-50, 321), colorRule)

	y := 370
	row := func(label, value string) {
		drawText(img, label, 80, y, 2, colorLabel, alignLeft)
		drawText(img, value, 250, y, 2, colorValue, alignLeft)
	}
	row("Customer:", req.CustomerName)
	y += 50
	row("Service:", req.ServiceName)
	if len(req.Details) > 0 {
		y += 50
		drawText(img, "Details:", 80, y, 2, colorLabel, alignLeft)
		for i, line := range req.Details {
			drawText(img, line, 250, y+i*30, 2, colorValue, alignLeft)
		}
		y += (len(req.Details) - 1) * 30
	}
	y += 50
	row("Date:", issued.Format("2006-01-02 15:04"))
	y += 50
	fill(img, image.Rect(50, y-1, w-50, y+1), colorRule)

	y += 70
	drawText(img, "TOTAL AMOUNT:", 80, y, 2, ColorHeader, alignLeft)
	drawText(img, "R"+req.Amount, w-80, y, 4, colorAmount, alignRight)

	y += 80
	fill(img, image.Rect(50, y-35, w-50, y+25), ColorPaid)
	drawText(img, "PAID", w/2, y+5, 3, color.White, alignCenter)

	y += 100
	footer := p.opts.Footer
	if len(footer) == 0 {
		footer = []string{"Thank you for choosing " + req.BusinessName + "!", "Keep this receipt for your records"}
	}
	for _, line := range footer {
		drawText(img, line, w/2, y, 1, colorLabel, alignCenter)
		y += 35
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode receipt %s: %w", req.OrderNumber, err)
	}
	slog.Debug("Receipt rendered", "order", req.OrderNumber, "bytes", buf.Len())
	return buf.Bytes(), nil
}

// FileName is the conventional name a receipt is saved under.
func FileName(orderNumber string) string {
	return "receipt_" + orderNumber + ".png"
}

// Save writes a rendered receipt into dir and returns its path.
func Save(dir, orderNumber string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create receipt dir: %w", err)
	}
	path := filepath.Join(dir, FileName(orderNumber))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write receipt %s: %w", path, err)
	}
	return path, nil
}

func fill(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawText renders s with the 7x13 face into a scratch image and scales it onto dst
// so that its baseline sits at y.
func drawText(dst draw.Image, s string, x, y, scale int, c color.Color, a align) {
	if s == "" {
		return
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, s).Ceil()
	height := face.Metrics().Height.Ceil()
	ascent := face.Metrics().Ascent.Ceil()

	scratch := image.NewRGBA(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  scratch,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, ascent),
	}
	d.DrawString(s)

	sw, sh := width*scale, height*scale
	left := x
	switch a {
	case alignCenter:
		left = x - sw/2
	case alignRight:
		left = x - sw
	}
	top := y - ascent*scale
	draw.NearestNeighbor.Scale(dst, image.Rect(left, top, left+sw, top+sh), scratch, scratch.Bounds(), draw.Over, nil)
}

// fitScale returns the largest scale up to maxScale at which s fits in width pixels.
func fitScale(s string, width, maxScale int) int {
	w := font.MeasureString(basicfont.Face7x13, s).Ceil()
	for scale := maxScale; scale > 1; scale-- {
		if w*scale <= width {
			return scale
		}
	}
	return 1
}
