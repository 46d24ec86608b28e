package utils_test

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"github.com/disintegration/imaging"
)

func encodePNG(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		img.Set(x, height/2, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestNormalizeSignatureImagePassthrough(t *testing.T) {
	encoded := encodePNG(t, 200, 80)

	out, err := utils.NormalizeSignatureImage(encoded)
	if err != nil {
		t.Fatalf("NormalizeSignatureImage: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 200 {
		t.Errorf("narrow capture must not be resized, got width %d", img.Bounds().Dx())
	}
}

func TestNormalizeSignatureImageDownscalesWideCaptures(t *testing.T) {
	encoded := "data:image/png;base64," + encodePNG(t, 1200, 300)

	out, err := utils.NormalizeSignatureImage(encoded)
	if err != nil {
		t.Fatalf("NormalizeSignatureImage: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 600 {
		t.Errorf("wide capture should be resized to 600, got %d", img.Bounds().Dx())
	}
	// Aspect ratio preserved.
	if img.Bounds().Dy() != 150 {
		t.Errorf("expected height 150 after resize, got %d", img.Bounds().Dy())
	}
}

func TestNormalizeSignatureImageRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"not base64":  "%%%not-base64%%%",
		"not a image": base64.StdEncoding.EncodeToString([]byte("plain text payload")),
	}
	for name, in := range cases {
		if _, err := utils.NormalizeSignatureImage(in); err == nil || !utils.IsValidationError(err) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}
