package datasets

import (
	"os"
	"path/filepath"

	"gonum.org/v1/hdf5"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// HDF5Store reads the dataset named "feature_image" from a per-sample
// container file <root>/<id>.h5.
type HDF5Store struct {
	Root string
}

// NewHDF5Store returns an HDF5Store rooted at root.
func NewHDF5Store(root string) *HDF5Store {
	return &HDF5Store{Root: root}
}

// Load opens the sample's container file and reads the feature_image
// dataset as float32.
func (s *HDF5Store) Load(id string) (*FeatureMap, error) {
	path := filepath.Join(s.Root, id+".h5")
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewNotFoundError("hdf5", id, path)
	}
	file, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open container file %s", path)
	}
	defer file.Close()

	dset, err := file.OpenDataset(featureImageName)
	if err != nil {
		return nil, errors.NewNotFoundError("hdf5", id, path+":"+featureImageName)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	udims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read extent of %s:%s", path, featureImageName)
	}
	dims := make([]int, len(udims))
	n := 1
	for i, d := range udims {
		dims[i] = int(d)
		n *= int(d)
	}

	data := make([]float32, n)
	if err := dset.Read(&data); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s:%s", path, featureImageName)
	}
	return &FeatureMap{Data: data, Dims: dims}, nil
}
