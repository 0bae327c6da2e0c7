package datasets

import (
	"io"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Batch is a stacked collection of same-shape feature maps plus a parallel
// label vector. Inputs are stored flat in row-major order with the batch
// axis first, so the full batch shape is [len(Labels), Dims...].
type Batch struct {
	Inputs []float32
	Dims   []int // per-example dims, identical for every example
	Labels []int32
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// Shape returns the full batch shape including the leading batch axis.
func (b *Batch) Shape() []int {
	return append([]int{b.Size()}, b.Dims...)
}

// ToGomlxTensors converts the batch into gomlx input and label tensors.
func (b *Batch) ToGomlxTensors() (inputs, labels *tensors.Tensor, err error) {
	if b.Size() == 0 {
		return nil, nil, errors.New("empty batch")
	}
	inputs = tensors.FromFlatDataAndDimensions(b.Inputs, b.Shape()...)
	labels = tensors.FromFlatDataAndDimensions(b.Labels, b.Size())
	return inputs, labels, nil
}

// stackExamples assembles a batch from per-index fetches, enforcing that
// every example in the batch has identical dims.
func stackExamples(ds Dataset, indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch index set")
	}
	first, label, err := ds.Example(indices[0])
	if err != nil {
		return nil, err
	}
	perExample := first.NumElements()
	b := &Batch{
		Inputs: make([]float32, perExample*len(indices)),
		Dims:   append([]int(nil), first.Dims...),
		Labels: make([]int32, len(indices)),
	}
	copy(b.Inputs[:perExample], first.Data)
	b.Labels[0] = label

	for pos := 1; pos < len(indices); pos++ {
		m, label, err := ds.Example(indices[pos])
		if err != nil {
			return nil, err
		}
		if !equalDims(m.Dims, b.Dims) {
			return nil, errors.NewShapeError("stackExamples", b.Dims, m.Dims)
		}
		copy(b.Inputs[pos*perExample:(pos+1)*perExample], m.Data)
		b.Labels[pos] = label
	}
	return b, nil
}

func equalDims(a, b []int) bool {
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

// LoaderConfig configures a Loader. Zero values get sensible defaults in
// NewLoader.
type LoaderConfig struct {
	// BatchSize per yielded batch; the final batch of an epoch may be
	// smaller. Default 32.
	BatchSize int
	// Shuffle reshuffles the example order on every Restart. True for the
	// train split, false otherwise.
	Shuffle bool
	// Workers is the number of prefetch goroutines. Values below 1 mean
	// synchronous single-threaded batch assembly.
	Workers int
	// Seed for the shuffle generator. Zero means time-based.
	Seed int64
}

// Loader produces one epoch of mini-batches over a Dataset. Batches are
// assembled by parallel prefetch workers; each worker performs independent
// per-index fetches against the read-only dataset, so there is no shared
// mutable state between workers. Results are re-sequenced before being
// handed to the caller, so unshuffled iteration is deterministic.
//
// One pass over the dataset is one epoch. Restart begins a new epoch,
// reshuffling if Shuffle is enabled. Loader also implements gomlx's
// train.Dataset interface (Name/Yield/Restart).
type Loader struct {
	ds   Dataset
	name string
	cfg  LoaderConfig
	rng  *rand.Rand

	order    []int
	next     int // sequence number of the next batch to hand out
	batches  int
	results  chan prefetched
	pending  map[int]prefetched
	received int   // results pulled off the channel this epoch
	failed   error // first batch error of the epoch, latched until Restart
}

type prefetched struct {
	seq   int
	batch *Batch
	err   error
}

// NewLoader wraps ds into a batch loader. Restart must be called before the
// first NextBatch.
func NewLoader(ds Dataset, name string, cfg LoaderConfig) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Loader{
		ds:   ds,
		name: name,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Name implements the gomlx train.Dataset interface.
func (l *Loader) Name() string { return l.name }

// Batches returns the number of batches in one epoch.
func (l *Loader) Batches() int {
	n := l.ds.Len()
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Restart begins a new epoch. With Shuffle enabled the example order is
// redrawn; prefetch workers for the new epoch are started here.
func (l *Loader) Restart() error {
	n := l.ds.Len()
	if n == 0 {
		return errors.Newf("loader %s: dataset is empty", l.name)
	}
	if l.order == nil {
		l.order = make([]int, n)
		for i := range l.order {
			l.order[i] = i
		}
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}

	l.next = 0
	l.batches = l.Batches()
	l.pending = make(map[int]prefetched)
	l.results = nil
	l.received = 0
	l.failed = nil
	if l.cfg.Workers > 1 {
		l.startWorkers()
	}
	return nil
}

// startWorkers fans batch assembly out over the configured worker count.
// Each job is one whole batch; the results channel capacity bounds how far
// prefetch can run ahead.
func (l *Loader) startWorkers() {
	jobs := make(chan prefetchJob, l.batches)
	for seq := 0; seq < l.batches; seq++ {
		jobs <- prefetchJob{seq: seq, indices: l.batchIndices(seq)}
	}
	close(jobs)

	l.results = make(chan prefetched, l.cfg.Workers)
	for w := 0; w < l.cfg.Workers; w++ {
		go func() {
			for job := range jobs {
				b, err := stackExamples(l.ds, job.indices)
				l.results <- prefetched{seq: job.seq, batch: b, err: err}
			}
		}()
	}
}

type prefetchJob struct {
	seq     int
	indices []int
}

// batchIndices returns the dataset indices composing batch seq of the
// current epoch order.
func (l *Loader) batchIndices(seq int) []int {
	start := seq * l.cfg.BatchSize
	end := start + l.cfg.BatchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	return append([]int(nil), l.order[start:end]...)
}

// NextBatch blocks until the next batch of the epoch is available and
// returns it. At the end of the epoch it returns io.EOF.
func (l *Loader) NextBatch() (*Batch, error) {
	if l.pending == nil {
		return nil, errors.Newf("loader %s: NextBatch called before Restart", l.name)
	}
	if l.failed != nil {
		return nil, l.failed
	}
	if l.next >= l.batches {
		return nil, io.EOF
	}

	if l.results == nil {
		// Synchronous path.
		b, err := stackExamples(l.ds, l.batchIndices(l.next))
		if err != nil {
			return nil, l.fail(err)
		}
		l.next++
		return b, nil
	}

	for {
		if p, ok := l.pending[l.next]; ok {
			delete(l.pending, l.next)
			if p.err != nil {
				return nil, l.fail(p.err)
			}
			l.next++
			return p.batch, nil
		}
		p := <-l.results
		l.received++
		l.pending[p.seq] = p
	}
}

// fail latches err so every later NextBatch of this epoch returns it
// instead of waiting on a sequence number that cannot arrive, and drains
// the outstanding prefetch results so the epoch's workers can exit. Only
// Restart clears the latch.
func (l *Loader) fail(err error) error {
	l.failed = err
	if l.results != nil {
		remaining := l.batches - l.received
		results := l.results
		go func() {
			for i := 0; i < remaining; i++ {
				<-results
			}
		}()
		l.results = nil
	}
	return err
}

// Yield implements the gomlx train.Dataset interface: it returns the next
// batch converted to gomlx tensors, or io.EOF at the end of the epoch.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, err := l.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	in, lab, err := b.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{lab}, nil
}
