package datasets

import (
	"io"
	"testing"
	"time"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// indexDataset is a stub whose label encodes the example index, so tests
// can observe iteration order.
type indexDataset struct {
	n int
	// failIndex makes Example error for one index; -1 disables.
	failIndex int
}

func (d *indexDataset) Len() int { return d.n }

func (d *indexDataset) Example(i int) (*FeatureMap, int32, error) {
	if i == d.failIndex {
		return nil, 0, errTruncated
	}
	m := NewFeatureMap(1, 2, 2)
	for j := range m.Data {
		m.Data[j] = float32(i)
	}
	return m, int32(i), nil
}

var errTruncated = errors.New("feature file truncated")

// buildFixtureModule writes a four-slide tensor store plus metadata into a
// temp dir and returns a configured DataModule.
func buildFixtureModule(t *testing.T, workers int) *DataModule {
	t.Helper()
	dir := t.TempDir()
	writeMetadataCSV(t, dir, sampleMetadata)

	store := NewTensorStore(dir)
	for i, id := range []string{"slide-a", "slide-b", "slide-c", "slide-d"} {
		m := NewFeatureMap(2, 3, 3)
		for j := range m.Data {
			m.Data[j] = float32(i + 1)
		}
		if err := store.Save(id, m); err != nil {
			t.Fatalf("saving fixture %s: %v", id, err)
		}
	}

	dm := NewDataModule(DataModuleConfig{
		RootDir:    dir,
		Kind:       KindFeatureImage,
		Store:      StoreTensor,
		HeightMax:  5,
		WidthMax:   5,
		BatchSize:  2,
		NumWorkers: workers,
		Seed:       11,
	})
	if err := dm.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return dm
}

func drain(t *testing.T, l *Loader) []*Batch {
	t.Helper()
	if err := l.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	var batches []*Batch
	for {
		b, err := l.NextBatch()
		if err == io.EOF {
			return batches
		}
		if err != nil {
			t.Fatalf("NextBatch: %v", err)
		}
		batches = append(batches, b)
	}
}

func TestDataModuleEndToEnd(t *testing.T) {
	for _, workers := range []int{0, 3} {
		dm := buildFixtureModule(t, workers)
		if dm.NumClasses() != 2 {
			t.Fatalf("workers=%d: NumClasses = %d, want 2", workers, dm.NumClasses())
		}

		train := drain(t, dm.TrainLoader())
		if len(train) != 1 {
			t.Fatalf("workers=%d: train batches = %d, want 1", workers, len(train))
		}
		b := train[0]
		if b.Size() != 2 {
			t.Fatalf("workers=%d: batch size = %d, want 2", workers, b.Size())
		}
		if len(b.Dims) != 3 || b.Dims[0] != 2 || b.Dims[1] != 5 || b.Dims[2] != 5 {
			t.Fatalf("workers=%d: Dims = %v, want [2 5 5]", workers, b.Dims)
		}
		if want := 2 * 2 * 5 * 5; len(b.Inputs) != want {
			t.Fatalf("workers=%d: len(Inputs) = %d, want %d", workers, len(b.Inputs), want)
		}
		for _, label := range b.Labels {
			if label < 0 || label >= 2 {
				t.Fatalf("workers=%d: label %d out of range", workers, label)
			}
		}

		if got := len(drain(t, dm.ValLoader())); got != 1 {
			t.Fatalf("workers=%d: val batches = %d, want 1", workers, got)
		}
		if got := len(drain(t, dm.TestLoader())); got != 1 {
			t.Fatalf("workers=%d: test batches = %d, want 1", workers, got)
		}
	}
}

func TestLoaderRestartsCleanly(t *testing.T) {
	dm := buildFixtureModule(t, 2)
	l := dm.TrainLoader()
	for epoch := 0; epoch < 3; epoch++ {
		batches := drain(t, l)
		var n int
		for _, b := range batches {
			n += b.Size()
		}
		if n != 2 {
			t.Fatalf("epoch %d: saw %d examples, want 2", epoch, n)
		}
	}
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	order := func() []int32 {
		dm := buildFixtureModule(t, 0)
		var labels []int32
		for _, b := range drain(t, dm.TrainLoader()) {
			labels = append(labels, b.Labels...)
		}
		return labels
	}
	a, b := order(), order()
	if len(a) != len(b) {
		t.Fatalf("label counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different order: %v vs %v", a, b)
		}
	}
}

func TestLoaderYieldTensors(t *testing.T) {
	dm := buildFixtureModule(t, 0)
	l := dm.TrainLoader()
	if err := l.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	_, inputs, labels, err := l.Yield()
	if err != nil {
		t.Fatalf("Yield: %v", err)
	}
	if len(inputs) != 1 || len(labels) != 1 {
		t.Fatalf("Yield returned %d inputs, %d labels", len(inputs), len(labels))
	}
	dims := inputs[0].Shape().Dimensions
	want := []int{2, 2, 5, 5}
	if len(dims) != len(want) {
		t.Fatalf("input rank = %d, want %d", len(dims), len(want))
	}
	for i := range want {
		if dims[i] != want[i] {
			t.Fatalf("input dims = %v, want %v", dims, want)
		}
	}
	inputs[0].FinalizeAll()
	labels[0].FinalizeAll()
}

// labelOrder drains one epoch of a batch-size-1 loader and returns the
// index-encoding labels in yield order.
func labelOrder(t *testing.T, l *Loader) []int32 {
	t.Helper()
	var order []int32
	for _, b := range drain(t, l) {
		order = append(order, b.Labels...)
	}
	return order
}

func isPermutation(order []int32, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range order {
		if v < 0 || int(v) >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

func TestLoaderShuffleDiffersAcrossSeeds(t *testing.T) {
	const n = 12
	newShuffled := func(seed int64) *Loader {
		return NewLoader(&indexDataset{n: n, failIndex: -1}, "train", LoaderConfig{
			BatchSize: 1,
			Shuffle:   true,
			Seed:      seed,
		})
	}
	a := labelOrder(t, newShuffled(3))
	b := labelOrder(t, newShuffled(4))
	if !isPermutation(a, n) || !isPermutation(b, n) {
		t.Fatalf("orders are not permutations: %v, %v", a, b)
	}
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical order %v", a)
	}
}

func TestLoaderReshufflesEveryEpoch(t *testing.T) {
	const n = 12
	l := NewLoader(&indexDataset{n: n, failIndex: -1}, "train", LoaderConfig{
		BatchSize: 1,
		Shuffle:   true,
		Seed:      9,
	})
	first := labelOrder(t, l)
	second := labelOrder(t, l)
	if !isPermutation(first, n) || !isPermutation(second, n) {
		t.Fatalf("orders are not permutations: %v, %v", first, second)
	}
	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("Restart did not redraw the order: %v", first)
	}
}

func TestLoaderLatchesBatchError(t *testing.T) {
	for _, workers := range []int{0, 2} {
		l := NewLoader(&indexDataset{n: 4, failIndex: 0}, "train", LoaderConfig{
			BatchSize: 1,
			Workers:   workers,
			Seed:      5,
		})
		if err := l.Restart(); err != nil {
			t.Fatalf("workers=%d: Restart: %v", workers, err)
		}

		// Unshuffled order puts the failing example first.
		_, err := l.NextBatch()
		if !errors.Is(err, errTruncated) {
			t.Fatalf("workers=%d: first NextBatch err = %v, want the example error", workers, err)
		}

		// Later calls must return the latched error promptly, not block on
		// a sequence number that can no longer arrive.
		done := make(chan error, 1)
		go func() {
			_, err := l.NextBatch()
			done <- err
		}()
		select {
		case err := <-done:
			if !errors.Is(err, errTruncated) {
				t.Fatalf("workers=%d: second NextBatch err = %v, want latched error", workers, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("workers=%d: NextBatch blocked after an errored batch", workers)
		}
	}
}

func TestLoaderRestartClearsLatchedError(t *testing.T) {
	ds := &indexDataset{n: 3, failIndex: 1}
	l := NewLoader(ds, "train", LoaderConfig{BatchSize: 1, Seed: 7})
	if err := l.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	var sawErr bool
	for i := 0; i < 3; i++ {
		if _, err := l.NextBatch(); err != nil {
			sawErr = true
			break
		}
	}
	if !sawErr {
		t.Fatal("expected an error from the failing example")
	}

	ds.failIndex = -1
	if err := l.Restart(); err != nil {
		t.Fatalf("Restart after error: %v", err)
	}
	if order := labelOrder(t, l); !isPermutation(order, 3) {
		t.Fatalf("post-restart epoch yielded %v", order)
	}
}
