package train

import (
	"encoding/gob"
	"os"

	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

type checkpointEntry struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// SaveCheckpoint writes the parameter values to path as a gob stream.
func SaveCheckpoint(path string, params []*nn.Parameter) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint %s", path)
	}
	defer f.Close()

	entries := make([]checkpointEntry, 0, len(params))
	for _, p := range params {
		rows, cols := p.Dims()
		data := make([]float64, rows*cols)
		for i := 0; i < rows; i++ {
			copy(data[i*cols:(i+1)*cols], p.Value.RawRowView(i))
		}
		entries = append(entries, checkpointEntry{Name: p.Name, Rows: rows, Cols: cols, Data: data})
	}
	if err := gob.NewEncoder(f).Encode(entries); err != nil {
		return errors.Wrapf(err, "encoding checkpoint %s", path)
	}
	return nil
}

// LoadCheckpoint restores parameter values from a checkpoint written by
// SaveCheckpoint. Parameters are matched by name and must keep their
// shapes.
func LoadCheckpoint(path string, params []*nn.Parameter) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening checkpoint %s", path)
	}
	defer f.Close()

	var entries []checkpointEntry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return errors.Wrapf(err, "decoding checkpoint %s", path)
	}
	byName := make(map[string]checkpointEntry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	for _, p := range params {
		e, ok := byName[p.Name]
		if !ok {
			return errors.Newf("checkpoint %s has no entry for parameter %s", path, p.Name)
		}
		rows, cols := p.Dims()
		if e.Rows != rows || e.Cols != cols {
			return errors.NewShapeError("train.LoadCheckpoint", []int{rows, cols}, []int{e.Rows, e.Cols})
		}
		for i := 0; i < rows; i++ {
			copy(p.Value.RawRowView(i), e.Data[i*cols:(i+1)*cols])
		}
	}
	return nil
}
