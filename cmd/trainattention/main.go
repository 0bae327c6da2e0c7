// Command trainattention fits the multi-head attention classifier on cell
// feature sequences stored in HDF5 containers. With -lr 0 it sweeps a
// fixed learning-rate grid and runs one fit per rate.
package main

import (
	"flag"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/neoyinzhanghan/wsiarch/attention"
	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/train"
)

var lrSweep = []float64{1, 0.1, 1e-3, 1e-4, 1e-5, 1e-6, 1e-7, 1e-8}

func main() {
	metadata := flag.String("metadata", "/media/hdd3/neo/cell_features/metadata.csv", "metadata CSV; feature containers live next to it")
	epochs := flag.Int("epochs", 10, "number of training epochs per fit")
	workers := flag.Int("workers", 9, "loader prefetch workers")
	lr := flag.Float64("lr", 0, "learning rate; 0 sweeps a fixed grid")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	dm := datasets.NewDataModule(datasets.DataModuleConfig{
		RootDir:      filepath.Dir(*metadata),
		MetadataPath: *metadata,
		Kind:         datasets.KindCellSequence,
		Store:        datasets.StoreHDF5,
		LengthMax:    500,
		BatchSize:    16,
		NumWorkers:   *workers,
	})
	if err := dm.Setup(); err != nil {
		log.Fatal().Err(err).Msg("data module setup failed")
	}

	rates := lrSweep
	if *lr != 0 {
		rates = []float64{*lr}
	}
	for _, rate := range rates {
		runLog := log.With().Float64("lr", rate).Logger()

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		model, err := attention.New(attention.Config{
			DModel:            1000,
			NumHeads:          8,
			NumClasses:        dm.NumClasses(),
			LengthMax:         500,
			UseFusedAttention: true,
		}, rng)
		if err != nil {
			runLog.Fatal().Err(err).Msg("building model failed")
		}

		trainer, err := train.New(model, train.Config{
			Epochs:    *epochs,
			Optimizer: nn.AdamWConfig{LR: rate, WeightDecay: 1e-2},
			LRMin:     rate / 100,
		}, runLog)
		if err != nil {
			runLog.Fatal().Err(err).Msg("building trainer failed")
		}

		dir, err := trainer.Fit(dm)
		if err != nil {
			runLog.Fatal().Err(err).Msg("training failed")
		}
		runLog.Info().Str("dir", dir).Msg("run complete")
	}
}
