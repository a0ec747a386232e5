package challenge

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderQR renders a payload as a PNG QR code of size×size pixels.
func RenderQR(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}
