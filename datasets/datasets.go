package datasets

// This package loads whole-slide-image derived feature data from disk and
// presents it as shuffled or ordered mini-batches suitable for model
// training.
//
// Layout and intended usage:
//
// Metadata
//   - One CSV file with columns "idx", "class" and "split".
//   - Each row names a sample; "idx" keys the on-disk feature artifact,
//     "class" is the raw label, "split" is one of train/val/test.
//
// Feature stores
//   - TensorStore reads one serialized gomlx tensor per sample from
//     <root>/<idx>/feature_image.tensor.
//   - HDF5Store reads the dataset named "feature_image" from <root>/<idx>.h5.
//   - Both are lazy: a sample's file is opened only for the duration of one
//     Example call, nothing is cached across calls.
//
// Datasets
//   - FeatureImageDataset serves (depth, height, width) feature maps with a
//     random up-padding transform applied, for the spatial model.
//   - CellSequenceDataset serves fixed-length sequences of cell feature
//     vectors, zero-padded or truncated to the configured maximum length,
//     for the attention model.
//
// Loader wraps a dataset into an epoch of same-shape batches with parallel
// prefetch workers, and implements gomlx's train.Dataset interface
// (Yield/Restart/Name) so batches can also be consumed as gomlx tensors.
//
// DataModule wires dataset and loader construction for all three splits into
// one object handed to the trainer. The class-to-index mapping is built once
// over the union of all splits so index assignments cannot diverge between
// train, val and test.

// Dataset is the random-access contract the Loader requires.
type Dataset interface {
	// Len returns the number of examples after split filtering.
	Len() int
	// Example returns the transformed feature map and the dense class index
	// for the i-th row of the filtered metadata table.
	Example(i int) (*FeatureMap, int32, error)
}
