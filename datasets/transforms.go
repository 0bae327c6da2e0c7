package datasets

import (
	"math/rand"
	"sync"
	"time"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// RandomUpPad places a variable-sized feature map at a uniformly random
// offset inside a fixed-size zero canvas. Re-applying it to the same input
// yields different placements, which acts as a cheap spatial augmentation.
//
// The random generator is injected so tests can fix the seed and assert
// exact placement; callers that do not care pass nil and get a time-seeded
// generator. Offset draws are serialized by a mutex because loader prefetch
// workers share one transform.
type RandomUpPad struct {
	HeightMax int
	WidthMax  int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomUpPad returns a transform targeting a (depth, heightMax,
// widthMax) canvas. A nil rng is replaced by a time-seeded one.
func NewRandomUpPad(heightMax, widthMax int, rng *rand.Rand) *RandomUpPad {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomUpPad{HeightMax: heightMax, WidthMax: widthMax, rng: rng}
}

// Apply pads a rank-3 (depth, h, w) map up to (depth, HeightMax, WidthMax).
// The offset is uniform over [0, HeightMax-h] x [0, WidthMax-w], both ends
// inclusive. Inputs exceeding the canvas fail with a ShapeError.
func (t *RandomUpPad) Apply(m *FeatureMap) (*FeatureMap, error) {
	if m.Rank() != 3 {
		return nil, errors.NewShapeError("RandomUpPad", []int{-1, t.HeightMax, t.WidthMax}, m.Dims)
	}
	depth, h, w := m.Dims[0], m.Dims[1], m.Dims[2]
	if h > t.HeightMax || w > t.WidthMax {
		return nil, errors.NewShapeError("RandomUpPad", []int{depth, t.HeightMax, t.WidthMax}, m.Dims)
	}

	t.mu.Lock()
	y := t.rng.Intn(t.HeightMax - h + 1)
	x := t.rng.Intn(t.WidthMax - w + 1)
	t.mu.Unlock()

	out := NewFeatureMap(depth, t.HeightMax, t.WidthMax)
	for c := 0; c < depth; c++ {
		srcPlane := m.Data[c*h*w:]
		dstPlane := out.Data[c*t.HeightMax*t.WidthMax:]
		for row := 0; row < h; row++ {
			src := srcPlane[row*w : row*w+w]
			dst := dstPlane[(y+row)*t.WidthMax+x:]
			copy(dst[:w], src)
		}
	}
	return out, nil
}
