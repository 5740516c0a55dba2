package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// DefaultGrid is the side of the sampling grid used for heat-map payloads.
const DefaultGrid = 16

// EncodeCSI packs a flattened CSI matrix as little-endian float32 values.
func EncodeCSI(vec []float64) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(float32(v)))
	}
	return b
}

// DecodeCSI reverses EncodeCSI.
func DecodeCSI(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, errors.New("csi: empty payload")
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("csi: invalid payload length %d (not multiple of 4)", len(b))
	}
	out := make([]float64, len(b)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return out, nil
}

// HeatmapFeatures samples a CSI amplitude heat map on a grid x grid lattice
// and returns intensities in [0,1].
func HeatmapFeatures(raw []byte, grid int) ([]float64, error) {
	if grid <= 0 {
		grid = DefaultGrid
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, grid*grid)
	stepX := float64(width) / float64(grid)
	stepY := float64(height) / float64(grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*grid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return features, nil
}
