package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Metadata column names. Column lookup is case-insensitive, matching how
// headers tend to drift between exports.
const (
	colID    = "idx"
	colClass = "class"
	colSplit = "split"
)

// Recognized split tags.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// Row is one sample of the metadata table.
type Row struct {
	ID    string // keys the on-disk feature artifact
	Class string // raw label value
	Split string // one of train/val/test
}

// Metadata is the in-memory metadata table. It is read-only after load and
// safe to share between loader workers.
type Metadata struct {
	rows []Row
}

// LoadMetadata reads the metadata CSV at path. The file must have a header
// row containing at least the idx, class and split columns.
func LoadMetadata(path string) (*Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metadata CSV %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata header")
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range []string{colID, colClass, colSplit} {
		if _, ok := colIndex[col]; !ok {
			return nil, errors.Newf("required column %q not found in metadata CSV %s", col, path)
		}
	}

	m := &Metadata{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read metadata row")
		}
		m.rows = append(m.rows, Row{
			ID:    strings.TrimSpace(record[colIndex[colID]]),
			Class: strings.TrimSpace(record[colIndex[colClass]]),
			Split: strings.TrimSpace(record[colIndex[colSplit]]),
		})
	}
	return m, nil
}

// Len returns the row count.
func (m *Metadata) Len() int { return len(m.rows) }

// Row returns the i-th row.
func (m *Metadata) Row(i int) Row { return m.rows[i] }

// Filter returns a new table holding only rows whose split column equals
// split exactly.
func (m *Metadata) Filter(split string) *Metadata {
	out := &Metadata{}
	for _, r := range m.rows {
		if r.Split == split {
			out.rows = append(out.rows, r)
		}
	}
	return out
}

// Classes returns the unique raw label values in first-seen row order.
func (m *Metadata) Classes() []string {
	seen := make(map[string]bool)
	var classes []string
	for _, r := range m.rows {
		if !seen[r.Class] {
			seen[r.Class] = true
			classes = append(classes, r.Class)
		}
	}
	return classes
}

// ClassIndex is a bijection between raw label values and dense integer
// indices 0..K-1, assigned in first-seen order.
//
// The data module builds one ClassIndex over the union of all splits and
// passes it into every split dataset, so index assignments cannot diverge
// when the splits do not share identical label sets.
type ClassIndex struct {
	labels []string
	toIdx  map[string]int32
}

// NewClassIndex builds a ClassIndex from labels in the given order.
// Duplicates keep their first position.
func NewClassIndex(labels []string) *ClassIndex {
	c := &ClassIndex{toIdx: make(map[string]int32)}
	for _, l := range labels {
		if _, ok := c.toIdx[l]; ok {
			continue
		}
		c.toIdx[l] = int32(len(c.labels))
		c.labels = append(c.labels, l)
	}
	return c
}

// BuildClassIndex enumerates the unique labels of the whole (unfiltered)
// metadata table.
func BuildClassIndex(m *Metadata) *ClassIndex {
	return NewClassIndex(m.Classes())
}

// Index returns the dense index for a raw label.
func (c *ClassIndex) Index(label string) (int32, bool) {
	idx, ok := c.toIdx[label]
	return idx, ok
}

// Label decodes a dense index back to its raw label.
func (c *ClassIndex) Label(idx int32) (string, bool) {
	if idx < 0 || int(idx) >= len(c.labels) {
		return "", false
	}
	return c.labels[idx], true
}

// NumClasses returns K.
func (c *ClassIndex) NumClasses() int { return len(c.labels) }
