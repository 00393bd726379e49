package images

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/maltedev/product-harvester/internal/models"
)

// Decode reads any registered format (jpeg, png, gif, webp).
func Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty %s image", format)
	}
	return img, nil
}

// Normalize scales img to fill a size x size white canvas minus padding on
// every side, preserving aspect ratio and centering it. Transparent areas
// become white. Small images are scaled up.
func Normalize(img image.Image, size int, padding float64) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	pad := int(float64(size) * padding)
	usable := size - 2*pad
	if usable <= 0 {
		return canvas
	}

	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	scale := min(float64(usable)/float64(w), float64(usable)/float64(h))

	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	x := (size - newW) / 2
	y := (size - newH) / 2

	draw.CatmullRom.Scale(canvas, image.Rect(x, y, x+newW, y+newH), img, src, draw.Over, nil)
	return canvas
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Process decodes, normalizes and re-encodes source bytes.
func Process(data []byte, size int, padding float64, quality int) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(Normalize(img, size, padding), quality)
}

// ObjectKey is products/{id}/{role}/{role}_{index}_{hash}.jpg where hash is
// the first 8 hex digits of the md5 of the source URL.
func ObjectKey(productID string, role models.ImageRole, index int, sourceURL string) string {
	sum := md5.Sum([]byte(sourceURL))
	hash := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("products/%s/%s/%s_%d_%s.jpg", productID, role, role, index, hash)
}
