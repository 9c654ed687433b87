// Package report evaluates trained models and renders the evaluation and
// training artefacts: confusion matrix, ROC and precision-recall curves,
// training curves and prediction overlays.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/train"
)

var logf = monitoring.Component("report")

// MaxCurvePoints caps the pixels fed to ROC and precision-recall curves;
// larger evaluations are subsampled with a fixed stride.
const MaxCurvePoints = 200_000

// ReportFile is the evaluation summary written by WriteReport.
const ReportFile = "evaluation.json"

// ClassReport is precision, recall and F1 of one class.
type ClassReport struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int64   `json:"support"`
}

// Curve is a sampled rate curve.
type Curve struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// Evaluation summarises a model over a dataset at threshold 0.5.
type Evaluation struct {
	TN int64 `json:"tn"`
	FP int64 `json:"fp"`
	FN int64 `json:"fn"`
	TP int64 `json:"tp"`

	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	IoU       float64 `json:"iou"`

	Background ClassReport `json:"background"`
	Forest     ClassReport `json:"forest"`

	// AUC and AveragePrecision are nil when the labels hold a single class.
	AUC              *float64 `json:"auc,omitempty"`
	AveragePrecision *float64 `json:"average_precision,omitempty"`
	ROC              Curve    `json:"-"`
	PR               Curve    `json:"-"`
	CurvePoints      int      `json:"curve_points"`
}

// Evaluate runs model over every batch of src without autocast.
func Evaluate(ctx context.Context, model nn.Model, src train.BatchSource) (Evaluation, error) {
	return evaluate(ctx, model, src, MaxCurvePoints)
}

func evaluate(ctx context.Context, model nn.Model, src train.BatchSource, limit int) (Evaluation, error) {
	var (
		ev      Evaluation
		sampler *curveSampler
	)
	ch, wait := src.Batches(ctx, 0)
	for b := range ch {
		logits := model.Forward(b.Images, nil)
		if sampler == nil {
			sampler = newCurveSampler(max(src.Len(), 1)*len(logits.Data), limit)
		}
		for i, v := range logits.Data {
			p := nn.Sigmoid(float64(v))
			t := b.Masks.Data[i] > 0.5
			switch pos := p > 0.5; {
			case pos && t:
				ev.TP++
			case pos:
				ev.FP++
			case t:
				ev.FN++
			default:
				ev.TN++
			}
			sampler.add(p, t)
		}
	}
	if err := wait(); err != nil {
		return ev, err
	}
	if sampler == nil || sampler.seen == 0 {
		return ev, fmt.Errorf("no pixels evaluated")
	}

	ev.summarise()
	// A source that under-reports Len can overshoot the estimate.
	scores, truth := subsample(sampler.scores, sampler.truth, limit)
	ev.CurvePoints = len(scores)
	ev.curves(scores, truth)
	return ev, nil
}

// curveSampler keeps every stride-th pixel of a stream whose length is
// estimated up front, so at most about limit scores are held.
type curveSampler struct {
	stride int
	seen   int
	scores []float64
	truth  []bool
}

func newCurveSampler(expected, limit int) *curveSampler {
	stride := 1
	if expected > limit {
		stride = (expected + limit - 1) / limit
	}
	n := min(expected, limit)
	return &curveSampler{stride: stride, scores: make([]float64, 0, n), truth: make([]bool, 0, n)}
}

func (c *curveSampler) add(score float64, truth bool) {
	if c.seen%c.stride == 0 {
		c.scores = append(c.scores, score)
		c.truth = append(c.truth, truth)
	}
	c.seen++
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func classReport(hit, falsePos, falseNeg int64) ClassReport {
	r := ClassReport{
		Precision: ratio(hit, hit+falsePos),
		Recall:    ratio(hit, hit+falseNeg),
		Support:   hit + falseNeg,
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	return r
}

func (ev *Evaluation) summarise() {
	ev.Accuracy = ratio(ev.TP+ev.TN, ev.TP+ev.TN+ev.FP+ev.FN)
	ev.Forest = classReport(ev.TP, ev.FP, ev.FN)
	ev.Background = classReport(ev.TN, ev.FN, ev.FP)
	ev.Precision, ev.Recall, ev.F1 = ev.Forest.Precision, ev.Forest.Recall, ev.Forest.F1
	ev.IoU = ratio(ev.TP, ev.TP+ev.FP+ev.FN)
}

// subsample keeps every k-th point so at most limit remain.
func subsample(scores []float64, truth []bool, limit int) ([]float64, []bool) {
	if len(scores) <= limit {
		return scores, truth
	}
	stride := (len(scores) + limit - 1) / limit
	s := make([]float64, 0, limit)
	t := make([]bool, 0, limit)
	for i := 0; i < len(scores); i += stride {
		s = append(s, scores[i])
		t = append(t, truth[i])
	}
	return s, t
}

type byScore struct {
	scores []float64
	truth  []bool
}

func (b byScore) Len() int           { return len(b.scores) }
func (b byScore) Less(i, j int) bool { return b.scores[i] < b.scores[j] }
func (b byScore) Swap(i, j int) {
	b.scores[i], b.scores[j] = b.scores[j], b.scores[i]
	b.truth[i], b.truth[j] = b.truth[j], b.truth[i]
}

func (ev *Evaluation) curves(scores []float64, truth []bool) {
	var pos int
	for _, t := range truth {
		if t {
			pos++
		}
	}
	if pos == 0 || pos == len(truth) {
		logf("single-class labels, ROC and precision-recall undefined")
		return
	}

	sort.Sort(byScore{scores, truth})
	tpr, fpr, _ := stat.ROC(nil, scores, truth, nil)
	ev.ROC = Curve{X: fpr, Y: tpr}
	auc := integrate.Trapezoidal(fpr, tpr)
	ev.AUC = &auc

	// Precision-recall from the highest score down, one point per distinct
	// threshold; AP is the recall-weighted mean precision.
	var tp, fp int
	var ap, lastRecall float64
	for i := len(scores) - 1; i >= 0; i-- {
		if truth[i] {
			tp++
		} else {
			fp++
		}
		if i > 0 && scores[i-1] == scores[i] {
			continue
		}
		precision := float64(tp) / float64(tp+fp)
		recall := float64(tp) / float64(pos)
		ev.PR.X = append(ev.PR.X, recall)
		ev.PR.Y = append(ev.PR.Y, precision)
		ap += (recall - lastRecall) * precision
		lastRecall = recall
	}
	ev.AveragePrecision = &ap
}

// WriteReport writes ev as <dir>/evaluation.json.
func WriteReport(fsys fsutil.FileSystem, dir string, ev Evaluation) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return fsys.WriteFile(filepath.Join(dir, ReportFile), data, 0644)
}
