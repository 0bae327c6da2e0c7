// Command trainhyena fits the Hyena spatial classifier on a directory of
// whole-slide feature images.
package main

import (
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/hyena"
	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/train"
)

func main() {
	dataDir := flag.String("data", "/media/hdd3/neo/LUAD-LUSC_FI", "feature image directory with metadata.csv")
	epochs := flag.Int("epochs", 10, "number of training epochs")
	workers := flag.Int("workers", 9, "loader prefetch workers")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	dm := datasets.NewDataModule(datasets.DataModuleConfig{
		RootDir:    *dataDir,
		Kind:       datasets.KindFeatureImage,
		Store:      datasets.StoreTensor,
		HeightMax:  445,
		WidthMax:   230,
		BatchSize:  1,
		NumWorkers: *workers,
	})
	if err := dm.Setup(); err != nil {
		log.Fatal().Err(err).Msg("data module setup failed")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	model, err := hyena.New(hyena.Config{
		DModel:      2048,
		NumClasses:  dm.NumClasses(),
		HeightMax:   445,
		WidthMax:    230,
		Order:       2,
		FilterOrder: 64,
	}, rng)
	if err != nil {
		log.Fatal().Err(err).Msg("building model failed")
	}

	trainer, err := train.New(model, train.Config{
		Epochs:    *epochs,
		Optimizer: nn.AdamWConfig{LR: 1e-4, WeightDecay: 1e-2},
		LRMin:     1e-6,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("building trainer failed")
	}

	dir, err := trainer.Fit(dm)
	if err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
	log.Info().Str("dir", dir).Msg("run complete")
}
