package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
)

// Channels is the number of color channels fed to models.
const Channels = 3

// LoadImage decodes the image at path and returns it resized to width×height as HWC
// float32 RGB values in [0, 1].
func LoadImage(path string, width, height int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeImage(f, width, height)
}

// DecodeImage is LoadImage over a reader.
func DecodeImage(r io.Reader, width, height int) ([]float32, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return Pixels(src, width, height), nil
}

// Pixels scales src to width×height and flattens it to HWC RGB in [0, 1]. Alpha is
// composited over white.
func Pixels(src image.Image, width, height int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	out := make([]float32, 0, width*height*Channels)
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x := 0; x < width; x++ {
			p := row[x*4 : x*4+4]
			out = append(out, float32(p[0])/255, float32(p[1])/255, float32(p[2])/255)
		}
	}
	return out
}
