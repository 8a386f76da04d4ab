package e2e

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EncodeImage returns a size x size solid image encoded by extension (png, jpg or jpeg).
func EncodeImage(ext string, c color.Color, size int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	var err error
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(&buf, img)
	}
	return buf.Bytes(), err
}

// WriteImages writes every post's image under root at its canonical path.
func WriteImages(root string, posts []Post, size int) error {
	for _, p := range posts {
		data, err := EncodeImage(p.Ext, p.Color(), size)
		if err != nil {
			return err
		}
		path := filepath.Join(root, filepath.FromSlash(p.RelativePath()))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// ImageServer serves encoded images by URL path. The first Throttle requests of each
// path answer 429.
type ImageServer struct {
	Throttle int

	mu     sync.Mutex
	images map[string][]byte
	hits   map[string]int
}

// NewImageServer returns an empty server.
func NewImageServer(throttle int) *ImageServer {
	return &ImageServer{Throttle: throttle, images: make(map[string][]byte), hits: make(map[string]int)}
}

// Add registers data under path.
func (s *ImageServer) Add(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[path] = data
}

// Hits returns how many requests path received.
func (s *ImageServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *ImageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	n := s.hits[r.URL.Path]
	data, ok := s.images[r.URL.Path]
	s.mu.Unlock()
	switch {
	case !ok:
		http.NotFound(w, r)
	case n <= s.Throttle:
		w.WriteHeader(http.StatusTooManyRequests)
	default:
		_, _ = w.Write(data)
	}
}
