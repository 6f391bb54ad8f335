package browser

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// testImage returns a w×h gradient so the encoder has real content.
func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestEncode_ResizesJPEG(t *testing.T) {
	out, err := Encode(jpegBytes(t, 1280, 800), 400, 240, 65)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %q, want jpeg", format)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 240 {
		t.Errorf("bounds = %v, want 400x240", b)
	}
}

func TestEncode_AcceptsPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(64, 64)); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	out, err := Encode(buf.Bytes(), 32, 16, 80)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Errorf("size = %dx%d, want 32x16", cfg.Width, cfg.Height)
	}
}

func TestEncode_QualityAffectsSize(t *testing.T) {
	raw := jpegBytes(t, 800, 480)
	low, err := Encode(raw, 400, 240, 10)
	if err != nil {
		t.Fatalf("Encode(q10) error = %v", err)
	}
	high, err := Encode(raw, 400, 240, 95)
	if err != nil {
		t.Fatalf("Encode(q95) error = %v", err)
	}
	if len(low) >= len(high) {
		t.Errorf("q10 size %d >= q95 size %d", len(low), len(high))
	}
}

func TestEncode_InvalidImage(t *testing.T) {
	_, err := Encode([]byte("definitely not an image"), 400, 240, 65)
	if !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("Encode() error = %v, want ErrDecodeFailed", err)
	}
}

func TestEncode_InvalidParams(t *testing.T) {
	raw := jpegBytes(t, 16, 16)
	tests := []struct {
		name          string
		w, h, quality int
	}{
		{"zero width", 0, 240, 65},
		{"negative height", 400, -1, 65},
		{"quality zero", 400, 240, 0},
		{"quality too high", 400, 240, 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(raw, tt.w, tt.h, tt.quality); err == nil {
				t.Error("Encode() error = nil")
			}
		})
	}
}
