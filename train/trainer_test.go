package train

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/hyena"
	"github.com/neoyinzhanghan/wsiarch/nn"
)

// fixtureModule writes a tiny two-class feature-image corpus: constant
// maps whose sign encodes the class, canvas equal to the source extent so
// padding is a no-op.
func fixtureModule(t *testing.T) *datasets.DataModule {
	t.Helper()
	dir := t.TempDir()

	meta := "idx,class,split\n"
	store := datasets.NewTensorStore(dir)
	splits := []string{"train", "train", "train", "train", "val", "val", "test", "test"}
	for i, split := range splits {
		id := fmt.Sprintf("slide-%d", i)
		class := "LUAD"
		v := float32(1)
		if i%2 == 1 {
			class = "LUSC"
			v = -1
		}
		meta += fmt.Sprintf("%s,%s,%s\n", id, class, split)

		m := datasets.NewFeatureMap(2, 2, 2)
		for j := range m.Data {
			m.Data[j] = v
		}
		if err := store.Save(id, m); err != nil {
			t.Fatalf("saving fixture %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.csv"), []byte(meta), 0o644); err != nil {
		t.Fatalf("writing metadata: %v", err)
	}

	dm := datasets.NewDataModule(datasets.DataModuleConfig{
		RootDir:   dir,
		Kind:      datasets.KindFeatureImage,
		Store:     datasets.StoreTensor,
		HeightMax: 2,
		WidthMax:  2,
		BatchSize: 4,
		Seed:      3,
	})
	if err := dm.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return dm
}

func readScalars(t *testing.T, dir string) map[string][]float64 {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "scalars.csv"))
	if err != nil {
		t.Fatalf("opening scalars.csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading scalars.csv: %v", err)
	}
	out := make(map[string][]float64)
	for _, rec := range records[1:] {
		v, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			t.Fatalf("parsing scalar value %q: %v", rec[3], err)
		}
		out[rec[2]] = append(out[rec[2]], v)
	}
	return out
}

func TestTrainerRejectsZeroEpochs(t *testing.T) {
	model, err := hyena.New(hyena.Config{DModel: 2, NumClasses: 2, HeightMax: 2, WidthMax: 2, Order: 1, FilterOrder: 4}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("hyena.New: %v", err)
	}
	if _, err := New(model, Config{Epochs: 0}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for zero epochs")
	}
}

func TestTrainerFit(t *testing.T) {
	dm := fixtureModule(t)
	model, err := hyena.New(hyena.Config{DModel: 2, NumClasses: 2, HeightMax: 2, WidthMax: 2, Order: 1, FilterOrder: 4}, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("hyena.New: %v", err)
	}

	outDir := t.TempDir()
	trainer, err := New(model, Config{
		Epochs:    3,
		Optimizer: nn.AdamWConfig{LR: 1e-3, ClipNorm: 1},
		OutDir:    outDir,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runDir, err := trainer.Fit(dm)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for _, name := range []string{"scalars.csv", "model.gob", "loss.png", "metrics.png"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Errorf("missing run artifact %s: %v", name, err)
		}
	}

	scalars := readScalars(t, runDir)
	if got := len(scalars["train/loss"]); got != 3 {
		t.Errorf("train/loss recorded %d times, want 3", got)
	}
	if got := len(scalars["val/loss"]); got != 3 {
		t.Errorf("val/loss recorded %d times, want 3", got)
	}
	if got := len(scalars["test/accuracy"]); got != 1 {
		t.Errorf("test/accuracy recorded %d times, want 1", got)
	}
	for _, name := range []string{"train/accuracy", "train/f1", "train/auroc", "lr"} {
		if len(scalars[name]) == 0 {
			t.Errorf("scalar %s never recorded", name)
		}
	}
	// Cosine schedule decays across epochs.
	lrs := scalars["lr"]
	if len(lrs) == 3 && !(lrs[2] < lrs[0]) {
		t.Errorf("lr did not decay: %v", lrs)
	}

	// The checkpoint restores into a same-shaped model.
	fresh, err := hyena.New(hyena.Config{DModel: 2, NumClasses: 2, HeightMax: 2, WidthMax: 2, Order: 1, FilterOrder: 4}, rand.New(rand.NewSource(12)))
	if err != nil {
		t.Fatalf("hyena.New: %v", err)
	}
	if err := LoadCheckpoint(filepath.Join(runDir, "model.gob"), fresh.Params()); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
}

func TestTrainerValCadence(t *testing.T) {
	dm := fixtureModule(t)
	model, err := hyena.New(hyena.Config{DModel: 2, NumClasses: 2, HeightMax: 2, WidthMax: 2, Order: 1, FilterOrder: 4}, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("hyena.New: %v", err)
	}
	trainer, err := New(model, Config{
		Epochs:    4,
		ValEvery:  2,
		Optimizer: nn.AdamWConfig{LR: 1e-3},
		OutDir:    t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runDir, err := trainer.Fit(dm)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// Epochs 1 and 3 (the last) validate.
	if got := len(readScalars(t, runDir)["val/loss"]); got != 2 {
		t.Errorf("val/loss recorded %d times, want 2", got)
	}
}
