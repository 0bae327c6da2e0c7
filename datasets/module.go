package datasets

import (
	"math/rand"
	"path/filepath"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// StoreKind selects the backing feature store layout.
type StoreKind string

const (
	// StoreTensor is one serialized tensor file per sample.
	StoreTensor StoreKind = "tensor"
	// StoreHDF5 is one container file per sample with a named dataset entry.
	StoreHDF5 StoreKind = "hdf5"
)

// DatasetKind selects which dataset variant the module builds.
type DatasetKind string

const (
	// KindFeatureImage serves up-padded (depth, height, width) maps for the
	// spatial model.
	KindFeatureImage DatasetKind = "feature_image"
	// KindCellSequence serves length-collated (length, featureDim)
	// sequences for the attention model.
	KindCellSequence DatasetKind = "cell_sequence"
)

// DataModuleConfig holds everything needed to build loaders for all three
// splits.
type DataModuleConfig struct {
	// RootDir holds the per-sample feature artifacts.
	RootDir string
	// MetadataPath is the metadata CSV. Empty means RootDir/metadata.csv.
	MetadataPath string

	Kind  DatasetKind
	Store StoreKind

	// Spatial canvas, used by KindFeatureImage.
	HeightMax int
	WidthMax  int
	// Sequence collation length, used by KindCellSequence.
	LengthMax int

	BatchSize  int
	NumWorkers int
	// Seed drives the padding transform and the train-split shuffle. Zero
	// means time-based.
	Seed int64
}

// DataModule lazily wires dataset and loader construction for the train,
// val and test splits into one object the trainer consumes. Accessors
// return nil before Setup is called; that precondition violation surfaces
// as a nil dereference at the call site rather than being papered over.
type DataModule struct {
	cfg DataModuleConfig

	classes *ClassIndex
	train   *Loader
	val     *Loader
	test    *Loader
}

// NewDataModule stores the configuration. No I/O happens until Setup.
func NewDataModule(cfg DataModuleConfig) *DataModule {
	if cfg.MetadataPath == "" {
		cfg.MetadataPath = filepath.Join(cfg.RootDir, "metadata.csv")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &DataModule{cfg: cfg}
}

// Setup loads the metadata table, builds the shared class index over the
// union of all splits, then constructs per-split datasets and loaders.
// Only the train loader shuffles.
func (dm *DataModule) Setup() error {
	meta, err := LoadMetadata(dm.cfg.MetadataPath)
	if err != nil {
		return err
	}
	dm.classes = BuildClassIndex(meta)

	store, err := dm.buildStore()
	if err != nil {
		return err
	}

	var pad *RandomUpPad
	if dm.cfg.Kind == KindFeatureImage {
		var rng *rand.Rand
		if dm.cfg.Seed != 0 {
			rng = rand.New(rand.NewSource(dm.cfg.Seed))
		}
		pad = NewRandomUpPad(dm.cfg.HeightMax, dm.cfg.WidthMax, rng)
	}

	for _, split := range []string{SplitTrain, SplitVal, SplitTest} {
		ds, err := dm.buildDataset(meta, split, store, pad)
		if err != nil {
			return err
		}
		loader := NewLoader(ds, split, LoaderConfig{
			BatchSize: dm.cfg.BatchSize,
			Shuffle:   split == SplitTrain,
			Workers:   dm.cfg.NumWorkers,
			Seed:      dm.cfg.Seed,
		})
		switch split {
		case SplitTrain:
			dm.train = loader
		case SplitVal:
			dm.val = loader
		case SplitTest:
			dm.test = loader
		}
	}
	return nil
}

func (dm *DataModule) buildStore() (FeatureStore, error) {
	switch dm.cfg.Store {
	case StoreTensor, "":
		return NewTensorStore(dm.cfg.RootDir), nil
	case StoreHDF5:
		return NewHDF5Store(dm.cfg.RootDir), nil
	default:
		return nil, errors.NewConfigError("store", "unknown store kind", dm.cfg.Store)
	}
}

func (dm *DataModule) buildDataset(meta *Metadata, split string, store FeatureStore, pad *RandomUpPad) (Dataset, error) {
	switch dm.cfg.Kind {
	case KindFeatureImage, "":
		return NewFeatureImageDataset(meta, split, store, dm.classes, pad)
	case KindCellSequence:
		return NewCellSequenceDataset(meta, split, store, dm.classes, dm.cfg.LengthMax)
	default:
		return nil, errors.NewConfigError("kind", "unknown dataset kind", dm.cfg.Kind)
	}
}

// NumClasses returns K from the shared class index. Valid after Setup.
func (dm *DataModule) NumClasses() int { return dm.classes.NumClasses() }

// Classes returns the shared class index. Valid after Setup.
func (dm *DataModule) Classes() *ClassIndex { return dm.classes }

// TrainLoader returns the shuffled train loader. Nil before Setup.
func (dm *DataModule) TrainLoader() *Loader { return dm.train }

// ValLoader returns the ordered validation loader. Nil before Setup.
func (dm *DataModule) ValLoader() *Loader { return dm.val }

// TestLoader returns the ordered test loader. Nil before Setup.
func (dm *DataModule) TestLoader() *Loader { return dm.test }
