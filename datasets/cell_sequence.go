package datasets

import (
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// CellSequenceDataset serves variable-length sequences of fixed-width cell
// feature vectors for one split, collated to a fixed length: shorter
// sequences are zero-padded at the tail, longer ones truncated. The
// attention model requires exactly LengthMax rows, so collation happens
// here rather than in the model.
type CellSequenceDataset struct {
	split     string
	meta      *Metadata // already filtered to split
	store     FeatureStore
	classes   *ClassIndex
	LengthMax int
}

// NewCellSequenceDataset filters meta down to the requested split. As with
// FeatureImageDataset, the class index should be shared across splits; nil
// falls back to per-split enumeration.
func NewCellSequenceDataset(meta *Metadata, split string, store FeatureStore, classes *ClassIndex, lengthMax int) (*CellSequenceDataset, error) {
	if store == nil {
		return nil, errors.NewConfigError("store", "feature store is required", nil)
	}
	if lengthMax <= 0 {
		return nil, errors.NewConfigError("lengthMax", "must be positive", lengthMax)
	}
	filtered := meta.Filter(split)
	if classes == nil {
		classes = BuildClassIndex(filtered)
	}
	return &CellSequenceDataset{
		split:     split,
		meta:      filtered,
		store:     store,
		classes:   classes,
		LengthMax: lengthMax,
	}, nil
}

// Len returns the number of samples in the split.
func (d *CellSequenceDataset) Len() int { return d.meta.Len() }

// Classes returns the class-index mapping in use.
func (d *CellSequenceDataset) Classes() *ClassIndex { return d.classes }

// Example loads the i-th sample's (length, featureDim) sequence collated to
// (LengthMax, featureDim), with the sample's dense class index.
func (d *CellSequenceDataset) Example(i int) (*FeatureMap, int32, error) {
	if i < 0 || i >= d.meta.Len() {
		return nil, 0, errors.Newf("index %d out of range [0, %d)", i, d.meta.Len())
	}
	row := d.meta.Row(i)
	m, err := d.store.Load(row.ID)
	if err != nil {
		return nil, 0, err
	}
	if m.Rank() != 2 {
		return nil, 0, errors.NewShapeError("CellSequenceDataset", []int{-1, -1}, m.Dims)
	}
	label, ok := d.classes.Index(row.Class)
	if !ok {
		return nil, 0, errors.Newf("sample %s has label %q not present in the class index", row.ID, row.Class)
	}
	return d.collate(m), label, nil
}

// collate pads or truncates a (length, dim) sequence to (LengthMax, dim).
func (d *CellSequenceDataset) collate(m *FeatureMap) *FeatureMap {
	length, dim := m.Dims[0], m.Dims[1]
	if length == d.LengthMax {
		return m
	}
	out := NewFeatureMap(d.LengthMax, dim)
	keep := length
	if keep > d.LengthMax {
		keep = d.LengthMax
	}
	copy(out.Data, m.Data[:keep*dim])
	return out
}
