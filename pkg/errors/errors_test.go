package errors

import (
	"testing"
)

func TestTypedErrorsSurviveWrapping(t *testing.T) {
	err := Wrap(NewNotFoundError("tensor", "slide-a", "/tmp/slide-a"), "loading example")
	var nf *NotFoundError
	if !As(err, &nf) {
		t.Fatalf("As failed on %v", err)
	}
	if nf.ID != "slide-a" || nf.Store != "tensor" {
		t.Errorf("NotFoundError = %+v", nf)
	}

	err = Wrapf(NewShapeError("pad", []int{1, 5, 5}, []int{1, 6, 5}), "sample %d", 3)
	var se *ShapeError
	if !As(err, &se) {
		t.Fatalf("As failed on %v", err)
	}
	if se.Op != "pad" {
		t.Errorf("ShapeError.Op = %q", se.Op)
	}

	var ce *ConfigError
	if !As(NewConfigError("d_model", "must divide by heads", 10), &ce) {
		t.Fatal("As failed on ConfigError")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NewNotFoundError("tensor", "s1", "/data/s1"), `wsiarch: tensor store: feature artifact for sample "s1" not found at /data/s1`},
		{NewShapeError("pad", []int{1, 2}, []int{3, 4}), "wsiarch: pad: shape mismatch, expected [1 2], got [3 4]"},
		{NewConfigError("epochs", "must be positive", -1), `wsiarch: invalid configuration for "epochs": must be positive (got: -1)`},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}
