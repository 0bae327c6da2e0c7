package datasets

import (
	"testing"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

func TestTensorStoreRoundtrip(t *testing.T) {
	store := NewTensorStore(t.TempDir())

	src := NewFeatureMap(2, 3, 4)
	for i := range src.Data {
		src.Data[i] = float32(i) * 0.5
	}
	if err := store.Save("slide-a", src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load("slide-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Dims) != 3 || got.Dims[0] != 2 || got.Dims[1] != 3 || got.Dims[2] != 4 {
		t.Fatalf("Dims = %v, want [2 3 4]", got.Dims)
	}
	for i := range src.Data {
		if got.Data[i] != src.Data[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, got.Data[i], src.Data[i])
		}
	}
}

func TestTensorStoreMissing(t *testing.T) {
	store := NewTensorStore(t.TempDir())
	_, err := store.Load("no-such-slide")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if nf.ID != "no-such-slide" {
		t.Errorf("NotFoundError.ID = %q", nf.ID)
	}
}
