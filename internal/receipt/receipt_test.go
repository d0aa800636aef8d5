package receipt

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() Request {
	return Request{
		OrderNumber:  "ORD1772359200000",
		BusinessName: "Molo-Tech Transportation",
		ServiceName:  "Airport Transfer",
		Details:      []string{"Pickup: Sandton", "Drop-off: OR Tambo", "Distance: 24.6 km"},
		Amount:       "365.25",
		CustomerName: "Sipho Nkosi",
		IssuedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPNGRenderer_Generate(t *testing.T) {
	r := NewPNGRenderer(WithTagline("Your Trusted Transport Partner"))
	data, err := r.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultWidth, img.Bounds().Dx())
	assert.Equal(t, DefaultHeight, img.Bounds().Dy())

	// Header corner and page corner sit outside every text run.
	assert.Equal(t, color.RGBAModel.Convert(ColorHeader), color.RGBAModel.Convert(img.At(5, 5)))
	assert.Equal(t, color.RGBAModel.Convert(color.White), color.RGBAModel.Convert(img.At(5, DefaultHeight-5)))
}

func TestPNGRenderer_CustomSize(t *testing.T) {
	r := NewPNGRenderer(WithSize(600, 900), WithFooter("See you soon"))
	data, err := r.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.Width)
	assert.Equal(t, 900, cfg.Height)
}

func TestPNGRenderer_Validation(t *testing.T) {
	r := NewPNGRenderer()
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no order number", func(r *Request) { r.OrderNumber = "" }},
		{"no service", func(r *Request) { r.ServiceName = "" }},
		{"no amount", func(r *Request) { r.Amount = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest()
			tt.mutate(&req)
			_, err := r.Generate(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPNGRenderer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPNGRenderer().Generate(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "receipts")
	path, err := Save(dir, "ORD1", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "receipt_ORD1.png"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)
}

func TestFitScale(t *testing.T) {
	assert.Equal(t, 4, fitScale("MOLO-TECH TRANSPORTATION", 760, 4))
	assert.Equal(t, 3, fitScale("FOUNTAIN OF PRAYER MINISTRIES", 760, 4))
	assert.Equal(t, 1, fitScale("A VERY LONG BUSINESS NAME THAT NEVER FITS ANYWHERE AT ALL OR EVEN CLOSE TO IT", 100, 4))
}
