package utils

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/disintegration/imaging"
)

const maxSignatureImageBytes = 1 << 20 // 1 MiB decoded

const signatureImageMaxWidth = 600

// NormalizeSignatureImage decodes a base64 PNG/JPEG payload (optionally with a
// data-URL prefix), bounds its size, downscales wide captures and re-encodes as
// PNG. The pixel content is opaque to the rest of the system.
func NormalizeSignatureImage(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, NewValidationError("signature image is required")
	}
	if idx := strings.Index(encoded, ";base64,"); idx >= 0 {
		encoded = encoded[idx+len(";base64,"):]
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewValidationError("signature image is not valid base64")
	}
	if len(raw) > maxSignatureImageBytes {
		return nil, NewValidationError("signature image exceeds %d bytes", maxSignatureImageBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, NewValidationError("signature image must be a PNG or JPEG")
	}

	if img.Bounds().Dx() > signatureImageMaxWidth {
		img = imaging.Resize(img, signatureImageMaxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
