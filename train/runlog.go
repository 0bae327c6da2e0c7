package train

import (
	"encoding/csv"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// RunLogger owns the artifact directory of one training run. Scalars are
// appended to scalars.csv as they arrive and kept in memory so Close can
// render curve plots.
type RunLogger struct {
	dir    string
	file   *os.File
	csv    *csv.Writer
	series map[string]plotter.XYs
}

// NewRunLogger creates <outDir>/<name>-<timestamp> and opens the scalar log.
func NewRunLogger(outDir, name string) (*RunLogger, error) {
	dir := filepath.Join(outDir, fmt.Sprintf("%s-%s", name, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %s", dir)
	}
	f, err := os.Create(filepath.Join(dir, "scalars.csv"))
	if err != nil {
		return nil, errors.Wrap(err, "creating scalars.csv")
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "epoch", "name", "value"}); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "writing scalars.csv header")
	}
	return &RunLogger{dir: dir, file: f, csv: w, series: make(map[string]plotter.XYs)}, nil
}

// Dir returns the run directory.
func (r *RunLogger) Dir() string { return r.dir }

// Scalar records one named value at the given optimizer step and epoch.
func (r *RunLogger) Scalar(step, epoch int, name string, value float64) error {
	rec := []string{
		strconv.Itoa(step),
		strconv.Itoa(epoch),
		name,
		strconv.FormatFloat(value, 'g', -1, 64),
	}
	if err := r.csv.Write(rec); err != nil {
		return errors.Wrapf(err, "recording scalar %s", name)
	}
	r.series[name] = append(r.series[name], plotter.XY{X: float64(epoch), Y: value})
	return nil
}

// Close flushes the scalar log and renders loss.png and metrics.png from
// the recorded series.
func (r *RunLogger) Close() error {
	r.csv.Flush()
	if err := r.csv.Error(); err != nil {
		_ = r.file.Close()
		return errors.Wrap(err, "flushing scalars.csv")
	}
	if err := r.file.Close(); err != nil {
		return errors.Wrap(err, "closing scalars.csv")
	}

	loss := make(map[string]plotter.XYs)
	other := make(map[string]plotter.XYs)
	for name, xys := range r.series {
		if strings.HasSuffix(name, "/loss") {
			loss[name] = xys
		} else {
			other[name] = xys
		}
	}
	if err := r.renderCurves("loss.png", "loss", loss); err != nil {
		return err
	}
	return r.renderCurves("metrics.png", "value", other)
}

// seriesColors cycles through line colors in name order so runs are
// comparable across plots.
var seriesColors = []color.RGBA{
	{R: 20, G: 80, B: 200, A: 255},
	{R: 200, G: 30, B: 30, A: 255},
	{R: 40, G: 140, B: 40, A: 255},
	{R: 200, G: 140, B: 20, A: 255},
	{R: 120, G: 40, B: 160, A: 255},
	{R: 20, G: 150, B: 150, A: 255},
}

func (r *RunLogger) renderCurves(filename, yLabel string, series map[string]plotter.XYs) error {
	if len(series) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = "training run"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		line, err := plotter.NewLine(series[name])
		if err != nil {
			return errors.Wrapf(err, "plotting %s", name)
		}
		line.Color = seriesColors[i%len(seriesColors)]
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(name, line)
	}

	outPath := filepath.Join(r.dir, filename)
	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return errors.Wrapf(err, "saving %s", outPath)
	}
	return nil
}
