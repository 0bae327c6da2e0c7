package hyena

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Hidden widths of the fully-connected head, d_model -> ... -> numClasses.
var headWidths = []int{1024, 512, 256, 128}

// Config configures the spatial classification model.
type Config struct {
	DModel     int
	NumClasses int
	WidthMax   int
	HeightMax  int

	Order         int
	FilterOrder   int
	Dropout       float64
	FilterDropout float64
}

// withDefaults fills the operator knobs the way the training entry point
// does when they are left zero.
func (c Config) withDefaults() Config {
	if c.Order == 0 {
		c.Order = 2
	}
	if c.FilterOrder == 0 {
		c.FilterOrder = 64
	}
	return c
}

// Model maps a batch of (depth, heightMax, widthMax) feature maps to
// per-class logits: Hyena long-convolution stage, global max-pool over the
// spatial axes, then a five-layer fully-connected stack with ReLU between
// the first four layers.
type Model struct {
	cfg Config
	op  *Operator2D
	fcs []*nn.Linear // headWidths chain ending in NumClasses

	training bool
	cache    *modelCache
}

type modelCache struct {
	n       int
	pooled  *mat.Dense // (n, DModel) max-pool output
	argmax  []int      // (n*DModel) winning spatial position per channel
	fcIn    []*mat.Dense
	fcPre   []*mat.Dense
}

// New validates cfg and builds the model with parameters drawn from rng.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	cfg = cfg.withDefaults()
	if cfg.NumClasses < 2 {
		return nil, errors.NewConfigError("num_classes", "need at least two classes", cfg.NumClasses)
	}
	op, err := NewOperator2D(OperatorConfig{
		DModel:        cfg.DModel,
		HeightMax:     cfg.HeightMax,
		WidthMax:      cfg.WidthMax,
		Order:         cfg.Order,
		FilterOrder:   cfg.FilterOrder,
		Dropout:       cfg.Dropout,
		FilterDropout: cfg.FilterDropout,
	}, rng)
	if err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg, op: op}
	widths := append([]int{cfg.DModel}, headWidths...)
	widths = append(widths, cfg.NumClasses)
	for i := 0; i+1 < len(widths); i++ {
		m.fcs = append(m.fcs, nn.NewLinear(fcName(i+1), widths[i], widths[i+1], rng))
	}
	return m, nil
}

func fcName(i int) string {
	return fmt.Sprintf("head.linear%d", i)
}

// Name identifies the model in logs and run directories.
func (m *Model) Name() string { return "hyena" }

// NumClasses returns K.
func (m *Model) NumClasses() int { return m.cfg.NumClasses }

// SetTraining toggles dropout behavior.
func (m *Model) SetTraining(on bool) {
	m.training = on
	m.op.SetTraining(on)
}

// Params returns all trainable parameters.
func (m *Model) Params() []*nn.Parameter {
	params := m.op.Params()
	for _, fc := range m.fcs {
		params = append(params, fc.Params()...)
	}
	return params
}

// Forward maps a (n, DModel, HeightMax, WidthMax) batch to (n, NumClasses)
// logits. The long-convolution stage must preserve the spatial extent and
// the channel depth; a violation of that contract surfaces as a ShapeError.
func (m *Model) Forward(b *datasets.Batch) (*mat.Dense, error) {
	want := []int{m.cfg.DModel, m.cfg.HeightMax, m.cfg.WidthMax}
	if len(b.Dims) != 3 || !dimsEqual(b.Dims, want) {
		return nil, errors.NewShapeError("HyenaModel.Forward", want, b.Dims)
	}
	n := b.Size()
	s := m.op.S()
	d := m.cfg.DModel

	// Rearrange (n, depth, H, W) into sample-major spatial rows (n*S, depth).
	x := mat.NewDense(n*s, d, nil)
	for i := 0; i < n; i++ {
		sample := b.Inputs[i*d*s : (i+1)*d*s]
		for ch := 0; ch < d; ch++ {
			plane := sample[ch*s : (ch+1)*s]
			for p := 0; p < s; p++ {
				x.Set(i*s+p, ch, float64(plane[p]))
			}
		}
	}

	mixed, err := m.op.Forward(x, n)
	if err != nil {
		return nil, err
	}
	rows, cols := mixed.Dims()
	if rows != n*s || cols != d {
		// The convolution stage is expected to preserve spatial extent.
		return nil, errors.NewShapeError("HyenaModel.Forward post-conv", []int{n * s, d}, []int{rows, cols})
	}

	c := &modelCache{n: n, argmax: make([]int, n*d)}
	c.pooled = mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for ch := 0; ch < d; ch++ {
			best := mixed.At(i*s, ch)
			bestPos := 0
			for p := 1; p < s; p++ {
				if v := mixed.At(i*s+p, ch); v > best {
					best = v
					bestPos = p
				}
			}
			c.pooled.Set(i, ch, best)
			c.argmax[i*d+ch] = bestPos
		}
	}

	h := c.pooled
	for li, fc := range m.fcs {
		c.fcIn = append(c.fcIn, h)
		pre := fc.Forward(h)
		c.fcPre = append(c.fcPre, pre)
		if li < len(m.fcs)-1 {
			h = nn.ReLU(pre)
		} else {
			h = pre
		}
	}
	m.cache = c
	return h, nil
}

// Backward propagates dLogits through the head, the max-pool and the
// operator, accumulating parameter gradients.
func (m *Model) Backward(dlogits *mat.Dense) error {
	c := m.cache
	if c == nil {
		return errors.New("HyenaModel.Backward called before Forward")
	}
	grad := dlogits
	for li := len(m.fcs) - 1; li >= 0; li-- {
		if li < len(m.fcs)-1 {
			grad = nn.ReLUBackward(c.fcPre[li], grad)
		}
		grad = m.fcs[li].Backward(c.fcIn[li], grad)
	}

	// Un-pool: each channel's gradient flows to its winning position.
	s := m.op.S()
	d := m.cfg.DModel
	dMixed := mat.NewDense(c.n*s, d, nil)
	for i := 0; i < c.n; i++ {
		for ch := 0; ch < d; ch++ {
			dMixed.Set(i*s+c.argmax[i*d+ch], ch, grad.At(i, ch))
		}
	}

	if _, err := m.op.Backward(dMixed); err != nil {
		return err
	}
	m.cache = nil
	return nil
}

func dimsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
