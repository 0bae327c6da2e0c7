package attention

import (
	"math/rand"
	"testing"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

func smallConfig() Config {
	return Config{DModel: 8, NumHeads: 2, NumClasses: 2, LengthMax: 6}
}

// sequenceBatch builds n constant sequences whose sign encodes the class.
func sequenceBatch(cfg Config, n int) *datasets.Batch {
	s := cfg.LengthMax * cfg.DModel
	b := &datasets.Batch{
		Inputs: make([]float32, n*s),
		Dims:   []int{cfg.LengthMax, cfg.DModel},
		Labels: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		b.Labels[i] = int32(i % 2)
		v := float32(1)
		if b.Labels[i] == 1 {
			v = -1
		}
		for j := 0; j < s; j++ {
			b.Inputs[i*s+j] = v
		}
	}
	return b
}

func TestNewRejectsIndivisibleHeads(t *testing.T) {
	cfg := smallConfig()
	cfg.NumHeads = 3
	var confErr *errors.ConfigError
	if _, err := New(cfg, rand.New(rand.NewSource(1))); !errors.As(err, &confErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestNewRejectsBadKnobs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var confErr *errors.ConfigError

	cfg := smallConfig()
	cfg.LengthMax = 0
	if _, err := New(cfg, rng); !errors.As(err, &confErr) {
		t.Errorf("zero LengthMax: err = %v, want ConfigError", err)
	}
	cfg = smallConfig()
	cfg.NumClasses = 1
	if _, err := New(cfg, rng); !errors.As(err, &confErr) {
		t.Errorf("one class: err = %v, want ConfigError", err)
	}
}

func TestClassifierForwardShape(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logits, err := c.Forward(sequenceBatch(cfg, 3))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	r, k := logits.Dims()
	if r != 3 || k != 2 {
		t.Fatalf("logits shape = (%d, %d), want (3, 2)", r, k)
	}
}

func TestClassifierRejectsWrongLength(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := sequenceBatch(cfg, 2)
	b.Dims = []int{cfg.LengthMax + 1, cfg.DModel}
	var shapeErr *errors.ShapeError
	if _, err := c.Forward(b); !errors.As(err, &shapeErr) {
		t.Fatalf("err = %v, want ShapeError", err)
	}
}

func TestClassifierFusedEvalMatchesExplicit(t *testing.T) {
	cfg := smallConfig()
	rng := rand.New(rand.NewSource(4))
	c, err := New(cfg, rng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := sequenceBatch(cfg, 2)

	// Same weights, both in eval mode; only the attention path differs.
	c.attn = NewAttn(c.headDim, false)
	c.SetTraining(false)
	explicit, err := c.Forward(b)
	if err != nil {
		t.Fatalf("explicit Forward: %v", err)
	}
	c.attn = NewAttn(c.headDim, true)
	fused, err := c.Forward(b)
	if err != nil {
		t.Fatalf("fused Forward: %v", err)
	}
	r, k := explicit.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < k; j++ {
			diff := explicit.At(i, j) - fused.At(i, j)
			if diff < -1e-9 || diff > 1e-9 {
				t.Fatalf("logits[%d,%d] differ: %v vs %v", i, j, explicit.At(i, j), fused.At(i, j))
			}
		}
	}
}

func TestClassifierBackwardRequiresTrainingForward(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Backward(nil); err == nil {
		t.Fatal("expected error for Backward without training Forward")
	}
}

func TestClassifierLearnsSyntheticClasses(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := sequenceBatch(cfg, 4)
	opt := nn.NewAdamW(nn.AdamWConfig{LR: 1e-2, ClipNorm: 1})
	params := c.Params()
	c.SetTraining(true)

	var first, last float64
	for step := 0; step < 60; step++ {
		logits, err := c.Forward(b)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		loss, grad, _, err := nn.CrossEntropy(logits, b.Labels)
		if err != nil {
			t.Fatalf("CrossEntropy: %v", err)
		}
		if step == 0 {
			first = loss
		}
		last = loss
		nn.ZeroGrads(params)
		if err := c.Backward(grad); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		opt.Step(params)
	}
	if last >= first {
		t.Errorf("loss did not decrease: first %v, last %v", first, last)
	}
}
