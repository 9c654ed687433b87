package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/train"
)

// Artefact names written under a run's output directory.
const (
	ConfusionMatrixFile = "confusion_matrix.png"
	ROCFile             = "ROC_curve.png"
	PRFile              = "precision_recall_curve.png"
	CurvesFile          = "training_curves.png"
)

var classNames = []string{"Background", "Forest"}

var (
	colorTrain = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorVal   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	colorGrey  = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

func legendTopRight(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

// savePlot renders p as PNG through fsys.
func savePlot(fsys fsutil.FileSystem, path string, p *plot.Plot, w, h vg.Length) error {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	return writeTo(fsys, path, wt)
}

func writeTo(fsys fsutil.FileSystem, path string, wt io.WriterTo) error {
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// confusionGrid lays the 2×2 matrix out with predicted class on X and true
// class on Y, true Background on top.
type confusionGrid [2][2]float64

func (g confusionGrid) Dims() (c, r int)   { return 2, 2 }
func (g confusionGrid) Z(c, r int) float64 { return g[1-r][c] }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }

// SaveConfusionMatrix renders the confusion matrix of ev as an annotated
// heat map.
func SaveConfusionMatrix(fsys fsutil.FileSystem, path string, ev Evaluation) error {
	grid := confusionGrid{
		{float64(ev.TN), float64(ev.FP)},
		{float64(ev.FN), float64(ev.TP)},
	}
	p := plot.New()
	p.Title.Text = "Confusion Matrix"
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "True"

	hm := plotter.NewHeatMap(grid, palette.Heat(12, 1))
	hm.Min, hm.Max = 0, 1
	for _, row := range grid {
		hm.Max = max(hm.Max, row[0], row[1])
	}
	p.Add(hm)

	var labels plotter.XYLabels
	for r := range 2 {
		for c := range 2 {
			labels.XYs = append(labels.XYs, plotter.XY{X: float64(c), Y: float64(1 - r)})
			labels.Labels = append(labels.Labels, fmt.Sprintf("%d", int64(grid[r][c])))
		}
	}
	l, err := plotter.NewLabels(labels)
	if err != nil {
		return err
	}
	p.Add(l)

	ticks := func(rev bool) plot.ConstantTicks {
		t := make(plot.ConstantTicks, len(classNames))
		for i, name := range classNames {
			v := float64(i)
			if rev {
				v = float64(len(classNames) - 1 - i)
			}
			t[i] = plot.Tick{Value: v, Label: name}
		}
		return t
	}
	p.X.Tick.Marker = ticks(false)
	p.Y.Tick.Marker = ticks(true)
	return savePlot(fsys, path, p, 6*vg.Inch, 5*vg.Inch)
}

func curveXYs(c Curve) plotter.XYs {
	pts := make(plotter.XYs, len(c.X))
	for i := range c.X {
		pts[i] = plotter.XY{X: c.X[i], Y: c.Y[i]}
	}
	return pts
}

func saveCurve(fsys fsutil.FileSystem, path, title, xLabel, yLabel, legend string, c Curve, diagonal bool) error {
	if len(c.X) == 0 {
		return fmt.Errorf("%s: curve is undefined for single-class labels", title)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1.05

	line, err := plotter.NewLine(curveXYs(c))
	if err != nil {
		return err
	}
	line.Width = vg.Points(2)
	line.Color = colorVal
	p.Add(line)
	p.Legend.Add(legend, line)

	if diagonal {
		chance := plotter.NewFunction(func(x float64) float64 { return x })
		chance.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		chance.Color = colorGrey
		p.Add(chance)
	}
	p.Legend.Top = false
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = 10
	return savePlot(fsys, path, p, 6*vg.Inch, 5*vg.Inch)
}

// SaveROC renders the ROC curve with its AUC.
func SaveROC(fsys fsutil.FileSystem, path string, ev Evaluation) error {
	var auc float64
	if ev.AUC != nil {
		auc = *ev.AUC
	}
	return saveCurve(fsys, path, "Receiver Operating Characteristic", "False Positive Rate", "True Positive Rate",
		fmt.Sprintf("ROC curve (AUC = %.4f)", auc), ev.ROC, true)
}

// SavePrecisionRecall renders the precision-recall curve with its average
// precision.
func SavePrecisionRecall(fsys fsutil.FileSystem, path string, ev Evaluation) error {
	var ap float64
	if ev.AveragePrecision != nil {
		ap = *ev.AveragePrecision
	}
	return saveCurve(fsys, path, "Precision-Recall Curve", "Recall", "Precision",
		fmt.Sprintf("PR curve (AP = %.4f)", ap), ev.PR, false)
}

// curvePanels lists the panels of a training-curve figure: loss first, then
// every metric of the first record.
func curvePanels(recs []train.EpochRecord) []string {
	names := []string{"loss"}
	if len(recs) > 0 {
		for _, m := range recs[0].Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}

func recordValue(r train.EpochRecord, name string) float64 {
	if name == "loss" {
		return r.Loss
	}
	v, _ := r.Get(name)
	return v
}

func series(recs []train.EpochRecord, name string) plotter.XYs {
	pts := make(plotter.XYs, len(recs))
	for i, r := range recs {
		pts[i] = plotter.XY{X: float64(i + 1), Y: recordValue(r, name)}
	}
	return pts
}

// bestEpoch returns the validation optimum: minimum for loss, maximum
// otherwise.
func bestEpoch(pts plotter.XYs, minimise bool) plotter.XY {
	best := pts[0]
	for _, p := range pts[1:] {
		if (minimise && p.Y < best.Y) || (!minimise && p.Y > best.Y) {
			best = p
		}
	}
	return best
}

func curvePlot(title, name string, trainRecs, valRecs []train.EpochRecord) (*plot.Plot, error) {
	p := plot.New()
	label := name
	if name == "loss" {
		label = "Loss"
	}
	p.Title.Text = fmt.Sprintf("%s: %s", title, label)
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = label

	for _, s := range []struct {
		name string
		recs []train.EpochRecord
		c    color.Color
	}{{"Train", trainRecs, colorTrain}, {"Validation", valRecs, colorVal}} {
		line, err := plotter.NewLine(series(s.recs, name))
		if err != nil {
			return nil, err
		}
		line.Width = vg.Points(1.5)
		line.Color = s.c
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	best := bestEpoch(series(valRecs, name), name == "loss")
	mark, err := plotter.NewScatter(plotter.XYs{best})
	if err != nil {
		return nil, err
	}
	mark.GlyphStyle.Shape = draw.CircleGlyph{}
	mark.GlyphStyle.Radius = vg.Points(4)
	mark.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	p.Add(mark)
	which := "Best"
	if name == "loss" {
		which = "Min"
	}
	p.Legend.Add(fmt.Sprintf("%s %.4f (epoch %d)", which, best.Y, int(best.X)), mark)
	legendTopRight(p)
	return p, nil
}

// SaveTrainingCurves renders one panel per curve (loss, then every metric)
// into a single figure, two panels per row. Each panel marks the validation
// optimum.
func SaveTrainingCurves(fsys fsutil.FileSystem, path, encoder string, trainRecs, valRecs []train.EpochRecord) error {
	if len(trainRecs) == 0 || len(trainRecs) != len(valRecs) {
		return fmt.Errorf("training curves need matching non-empty histories, got %d train and %d val", len(trainRecs), len(valRecs))
	}
	title := fmt.Sprintf("Training Curves (%s)", encoder)
	names := curvePanels(valRecs)

	const cols = 2
	rows := (len(names) + cols - 1) / cols
	plots := make([][]*plot.Plot, rows)
	for i := range plots {
		plots[i] = make([]*plot.Plot, cols)
	}
	for i, name := range names {
		p, err := curvePlot(title, name, trainRecs, valRecs)
		if err != nil {
			return fmt.Errorf("%s panel: %w", name, err)
		}
		plots[i/cols][i%cols] = p
	}

	img := vgimg.New(12*vg.Inch, vg.Length(rows)*4*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: rows, Cols: cols,
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2),
		PadLeft: vg.Points(2), PadRight: vg.Points(2),
	}
	canvases := plot.Align(plots, tiles, dc)
	for r := range rows {
		for c := range cols {
			if plots[r][c] != nil {
				plots[r][c].Draw(canvases[r][c])
			}
		}
	}
	return writeTo(fsys, path, vgimg.PngCanvas{Canvas: img})
}
