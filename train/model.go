// Package train fits classification models over the dataset loaders:
// cross-entropy loss, AdamW updates with cosine-annealed learning rate,
// and per-epoch accuracy, macro-F1 and AUROC on every split. Run
// artifacts (scalar log, curve plots, final checkpoint) land in a
// per-run directory.
package train

import (
	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/nn"
)

// Model is the contract the trainer drives. Forward maps a batch to
// (N, NumClasses) logits; Backward consumes the logits gradient and
// accumulates into Params. SetTraining(true) must enable whatever
// activation caching Backward needs.
type Model interface {
	Name() string
	NumClasses() int
	SetTraining(on bool)
	Forward(b *datasets.Batch) (*mat.Dense, error)
	Backward(grad *mat.Dense) error
	Params() []*nn.Parameter
}
