package datasets

import (
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// FeatureImageDataset serves rank-3 (depth, height, width) feature maps for
// one split of the metadata table, up-padded to a fixed canvas so batches
// can be stacked.
type FeatureImageDataset struct {
	split   string
	meta    *Metadata // already filtered to split
	store   FeatureStore
	classes *ClassIndex
	pad     *RandomUpPad
}

// NewFeatureImageDataset filters meta down to the requested split. The
// class index should be shared across splits (see DataModule); passing nil
// falls back to enumerating the filtered table's own labels.
func NewFeatureImageDataset(meta *Metadata, split string, store FeatureStore, classes *ClassIndex, pad *RandomUpPad) (*FeatureImageDataset, error) {
	if store == nil {
		return nil, errors.NewConfigError("store", "feature store is required", nil)
	}
	if pad == nil {
		return nil, errors.NewConfigError("pad", "up-padding transform is required", nil)
	}
	filtered := meta.Filter(split)
	if classes == nil {
		classes = BuildClassIndex(filtered)
	}
	return &FeatureImageDataset{
		split:   split,
		meta:    filtered,
		store:   store,
		classes: classes,
		pad:     pad,
	}, nil
}

// Len returns the number of samples in the split.
func (d *FeatureImageDataset) Len() int { return d.meta.Len() }

// Classes returns the class-index mapping in use.
func (d *FeatureImageDataset) Classes() *ClassIndex { return d.classes }

// Example loads the i-th sample's feature map, applies the up-padding
// transform and returns it with the sample's dense class index.
func (d *FeatureImageDataset) Example(i int) (*FeatureMap, int32, error) {
	if i < 0 || i >= d.meta.Len() {
		return nil, 0, errors.Newf("index %d out of range [0, %d)", i, d.meta.Len())
	}
	row := d.meta.Row(i)
	m, err := d.store.Load(row.ID)
	if err != nil {
		return nil, 0, err
	}
	padded, err := d.pad.Apply(m)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "sample %s", row.ID)
	}
	label, ok := d.classes.Index(row.Class)
	if !ok {
		return nil, 0, errors.Newf("sample %s has label %q not present in the class index", row.ID, row.Class)
	}
	return padded, label, nil
}
