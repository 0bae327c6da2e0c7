package hyena

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2 performs 2D FFTs over row-major (h, w) planes, used to evaluate the
// global circular convolutions of the Hyena operator in the frequency
// domain. gonum's transforms are unnormalized, so the inverse divides by
// h*w. Not safe for concurrent use; the operator owns one instance.
type fft2 struct {
	h, w   int
	rowFFT *fourier.CmplxFFT
	colFFT *fourier.CmplxFFT
	rowBuf []complex128
	colBuf []complex128
}

func newFFT2(h, w int) *fft2 {
	return &fft2{
		h:      h,
		w:      w,
		rowFFT: fourier.NewCmplxFFT(w),
		colFFT: fourier.NewCmplxFFT(h),
		rowBuf: make([]complex128, w),
		colBuf: make([]complex128, h),
	}
}

// forward transforms a in place.
func (f *fft2) forward(a []complex128) {
	for r := 0; r < f.h; r++ {
		row := a[r*f.w : (r+1)*f.w]
		f.rowFFT.Coefficients(f.rowBuf, row)
		copy(row, f.rowBuf)
	}
	for c := 0; c < f.w; c++ {
		for r := 0; r < f.h; r++ {
			f.colBuf[r] = a[r*f.w+c]
		}
		f.colFFT.Coefficients(f.colBuf, f.colBuf)
		for r := 0; r < f.h; r++ {
			a[r*f.w+c] = f.colBuf[r]
		}
	}
}

// inverse transforms a in place, including the 1/(h*w) normalization.
func (f *fft2) inverse(a []complex128) {
	for r := 0; r < f.h; r++ {
		row := a[r*f.w : (r+1)*f.w]
		f.rowFFT.Sequence(f.rowBuf, row)
		copy(row, f.rowBuf)
	}
	scale := complex(1/float64(f.h*f.w), 0)
	for c := 0; c < f.w; c++ {
		for r := 0; r < f.h; r++ {
			f.colBuf[r] = a[r*f.w+c]
		}
		f.colFFT.Sequence(f.colBuf, f.colBuf)
		for r := 0; r < f.h; r++ {
			a[r*f.w+c] = f.colBuf[r] * scale
		}
	}
}

// spectrum returns the forward transform of a real plane.
func (f *fft2) spectrum(src []float64) []complex128 {
	out := make([]complex128, len(src))
	for i, v := range src {
		out[i] = complex(v, 0)
	}
	f.forward(out)
	return out
}

// convolveSpectra computes real(IFFT(a .* b)) into dst.
func (f *fft2) convolveSpectra(dst []float64, a, b []complex128) {
	buf := make([]complex128, len(a))
	for i := range a {
		buf[i] = a[i] * b[i]
	}
	f.inverse(buf)
	for i := range dst {
		dst[i] = real(buf[i])
	}
}

// correlateSpectra computes real(IFFT(a .* conj(b))) into dst. This is the
// adjoint of convolution, used by the backward pass.
func (f *fft2) correlateSpectra(dst []float64, a, b []complex128) {
	buf := make([]complex128, len(a))
	for i := range a {
		buf[i] = a[i] * cmplx.Conj(b[i])
	}
	f.inverse(buf)
	for i := range dst {
		dst[i] = real(buf[i])
	}
}
