package datasets

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// featureImageName is the dataset entry name inside container files, and the
// basename of per-sample tensor files.
const featureImageName = "feature_image"

// FeatureStore resolves a sample identifier to its raw feature artifact.
// Implementations are lazy and stateless: each Load opens, reads and closes
// the backing file. A missing file or dataset yields a NotFoundError; no
// retry, and no shape validation beyond what downstream padding enforces.
type FeatureStore interface {
	Load(id string) (*FeatureMap, error)
}

// TensorStore reads one serialized gomlx tensor per sample from
// <root>/<id>/feature_image.tensor.
type TensorStore struct {
	Root string
}

// NewTensorStore returns a TensorStore rooted at root.
func NewTensorStore(root string) *TensorStore {
	return &TensorStore{Root: root}
}

// Load deserializes the sample's tensor file.
func (s *TensorStore) Load(id string) (*FeatureMap, error) {
	path := filepath.Join(s.Root, id, featureImageName+".tensor")
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewNotFoundError("tensor", id, path)
	}
	t, err := tensors.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize feature tensor %s", path)
	}
	defer t.FinalizeAll()
	return FeatureMapFromTensor(t)
}

// Save serializes a feature map into the store under the given sample id.
// Used by fixture generation and tests; training never writes.
func (s *TensorStore) Save(id string, m *FeatureMap) error {
	dir := filepath.Join(s.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create sample directory %s", dir)
	}
	t := m.ToTensor()
	defer t.FinalizeAll()
	path := filepath.Join(dir, featureImageName+".tensor")
	if err := t.Save(path); err != nil {
		return errors.Wrapf(err, "failed to serialize feature tensor %s", path)
	}
	return nil
}
