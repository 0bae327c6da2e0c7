package train

import (
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/metrics"
	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Config configures a training run.
type Config struct {
	Epochs int

	// ValEvery is the number of epochs between validation passes;
	// values below 1 validate every epoch.
	ValEvery int

	Optimizer nn.AdamWConfig

	// LRMin is the floor of the cosine learning-rate schedule.
	LRMin float64

	// OutDir is where the per-run artifact directory is created.
	// Defaults to "runs".
	OutDir string
}

// Trainer fits one Model over a DataModule: cross-entropy loss, AdamW
// updates, cosine-annealed learning rate stepped once per epoch, and a
// final pass over the test split.
type Trainer struct {
	cfg   Config
	model Model
	opt   *nn.AdamW
	sched *nn.CosineAnnealingLR
	log   zerolog.Logger
	step  int
}

// New builds a Trainer. Epochs must be positive.
func New(model Model, cfg Config, log zerolog.Logger) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.NewConfigError("train", "Epochs must be positive", cfg.Epochs)
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "runs"
	}
	opt := nn.NewAdamW(cfg.Optimizer)
	return &Trainer{
		cfg:   cfg,
		model: model,
		opt:   opt,
		sched: nn.NewCosineAnnealingLR(opt.LR(), cfg.LRMin, cfg.Epochs),
		log:   log.With().Str("model", model.Name()).Logger(),
	}, nil
}

// epochStats aggregates one pass over a split.
type epochStats struct {
	loss     float64
	accuracy float64
	f1       float64
	auroc    float64
}

// Fit trains for the configured number of epochs, validating on the
// cadence in Config and finishing with a test pass and a checkpoint.
// It returns the run directory holding the artifacts.
func (t *Trainer) Fit(dm *datasets.DataModule) (string, error) {
	run, err := NewRunLogger(t.cfg.OutDir, t.model.Name())
	if err != nil {
		return "", err
	}
	t.log.Info().Str("dir", run.Dir()).Int("epochs", t.cfg.Epochs).Msg("starting run")

	valEvery := t.cfg.ValEvery
	if valEvery < 1 {
		valEvery = 1
	}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		trainStats, err := t.runEpoch(dm.TrainLoader(), true)
		if err != nil {
			return "", errors.Wrapf(err, "training epoch %d", epoch)
		}
		if err := t.record(run, epoch, "train", trainStats); err != nil {
			return "", err
		}
		ev := t.log.Info().Int("epoch", epoch).Float64("lr", t.opt.LR()).
			Float64("train_loss", trainStats.loss).Float64("train_acc", trainStats.accuracy)

		if (epoch+1)%valEvery == 0 || epoch == t.cfg.Epochs-1 {
			valStats, err := t.runEpoch(dm.ValLoader(), false)
			if err != nil {
				return "", errors.Wrapf(err, "validating epoch %d", epoch)
			}
			if err := t.record(run, epoch, "val", valStats); err != nil {
				return "", err
			}
			ev = ev.Float64("val_loss", valStats.loss).Float64("val_acc", valStats.accuracy)
		}

		if err := run.Scalar(t.step, epoch, "lr", t.opt.LR()); err != nil {
			return "", err
		}
		t.sched.Step()
		t.opt.SetLR(t.sched.LR())
		ev.Msg("epoch done")
	}

	testStats, err := t.runEpoch(dm.TestLoader(), false)
	if err != nil {
		return "", errors.Wrap(err, "test pass")
	}
	if err := t.record(run, t.cfg.Epochs-1, "test", testStats); err != nil {
		return "", err
	}
	t.log.Info().Float64("test_loss", testStats.loss).Float64("test_acc", testStats.accuracy).
		Float64("test_f1", testStats.f1).Float64("test_auroc", testStats.auroc).Msg("test done")

	ckpt := filepath.Join(run.Dir(), "model.gob")
	if err := SaveCheckpoint(ckpt, t.model.Params()); err != nil {
		return "", err
	}
	if err := run.Close(); err != nil {
		return "", err
	}
	return run.Dir(), nil
}

// runEpoch drains one loader. In training mode each batch also runs
// backward and an optimizer step.
func (t *Trainer) runEpoch(loader *datasets.Loader, trainMode bool) (epochStats, error) {
	var stats epochStats
	if loader == nil {
		return stats, errors.New("train: loader is nil; DataModule not set up")
	}
	t.model.SetTraining(trainMode)
	if err := loader.Restart(); err != nil {
		return stats, err
	}

	params := t.model.Params()
	numClasses := t.model.NumClasses()
	var (
		lossSum   float64
		seen      int
		preds     []int32
		truth     []int32
		probsFlat []float64
	)

	for {
		b, err := loader.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, err
		}

		logits, err := t.model.Forward(b)
		if err != nil {
			return stats, err
		}
		loss, grad, probs, err := nn.CrossEntropy(logits, b.Labels)
		if err != nil {
			return stats, err
		}

		if trainMode {
			nn.ZeroGrads(params)
			if err := t.model.Backward(grad); err != nil {
				return stats, err
			}
			t.opt.Step(params)
			t.step++
		}

		n := b.Size()
		lossSum += loss * float64(n)
		seen += n
		truth = append(truth, b.Labels...)
		for i := 0; i < n; i++ {
			row := probs.RawRowView(i)
			probsFlat = append(probsFlat, row...)
			preds = append(preds, int32(argmax(row)))
		}
	}

	if seen == 0 {
		return stats, errors.Newf("train: loader %s yielded no examples", loader.Name())
	}
	stats.loss = lossSum / float64(seen)

	var err error
	if stats.accuracy, err = metrics.Accuracy(preds, truth); err != nil {
		return stats, err
	}
	if stats.f1, err = metrics.MacroF1(preds, truth, numClasses); err != nil {
		return stats, err
	}
	probsM := mat.NewDense(seen, numClasses, probsFlat)
	if stats.auroc, err = metrics.AUROC(probsM, truth); err != nil {
		return stats, err
	}
	return stats, nil
}

func (t *Trainer) record(run *RunLogger, epoch int, split string, s epochStats) error {
	for _, sc := range []struct {
		name  string
		value float64
	}{
		{split + "/loss", s.loss},
		{split + "/accuracy", s.accuracy},
		{split + "/f1", s.f1},
		{split + "/auroc", s.auroc},
	} {
		if err := run.Scalar(t.step, epoch, sc.name, sc.value); err != nil {
			return err
		}
	}
	return nil
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
