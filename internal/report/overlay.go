package report

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"

	xdraw "golang.org/x/image/draw"

	"github.com/banshee-data/canopy/internal/dataset"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/security"
)

// Overlay layout.
const (
	// PanelScale enlarges each tile so single pixels stay visible.
	PanelScale = 2
	panelGap   = 8
	rgbGamma   = 0.8
)

// Error map colours.
var (
	colorTP = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorTN = color.RGBA{A: 255}
	colorFP = color.RGBA{R: 255, A: 255}
	colorFN = color.RGBA{B: 255, A: 255}
)

// Prediction is one tile with its ground truth and predicted probabilities.
type Prediction struct {
	Name  string
	Image *nn.Tensor // 1×C×H×W
	Mask  *nn.Tensor // 1×1×H×W
	Prob  *nn.Tensor // 1×1×H×W sigmoid output
}

// Predict runs model on one sample.
func Predict(model nn.Model, s dataset.Sample) Prediction {
	logits := model.Forward(s.Image, nil)
	prob := nn.NewTensor(1, 1, logits.H(), logits.W())
	for i, v := range logits.Data {
		prob.Data[i] = float32(nn.Sigmoid(float64(v)))
	}
	return Prediction{Name: s.Name, Image: s.Image, Mask: s.Mask, Prob: prob}
}

// rgbPanel maps bands 2, 1 and 0 to red, green and blue, min-max normalised
// over all three together and gamma corrected. Inputs with fewer than three
// bands render band 0 as grey.
func rgbPanel(img *nn.Tensor) *image.RGBA {
	h, w := img.H(), img.W()
	bands := []int{2, 1, 0}
	if img.C() < 3 {
		bands = []int{0, 0, 0}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range bands {
		for y := range h {
			for x := range w {
				v := float64(img.At(0, b, y, x))
				lo, hi = min(lo, v), max(hi, v)
			}
		}
	}
	span := hi - lo
	level := func(v float32) uint8 {
		if span <= 0 {
			return 0
		}
		n := math.Pow((float64(v)-lo)/span, rgbGamma)
		return uint8(math.Round(255 * math.Min(math.Max(n, 0), 1)))
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			out.SetRGBA(x, y, color.RGBA{
				R: level(img.At(0, bands[0], y, x)),
				G: level(img.At(0, bands[1], y, x)),
				B: level(img.At(0, bands[2], y, x)),
				A: 255,
			})
		}
	}
	return out
}

func maskPanel(m *nn.Tensor, threshold float32) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.W(), m.H()))
	for y := range m.H() {
		for x := range m.W() {
			c := colorTN
			if m.At(0, 0, y, x) > threshold {
				c = colorTP
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

// errorPanel colours agreement between truth and prediction: true positive
// white, true negative black, false positive red and false negative blue.
func errorPanel(p Prediction) *image.RGBA {
	h, w := p.Mask.H(), p.Mask.W()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			truth := p.Mask.At(0, 0, y, x) > 0.5
			pred := p.Prob.At(0, 0, y, x) > 0.5
			var c color.RGBA
			switch {
			case pred && truth:
				c = colorTP
			case pred:
				c = colorFP
			case truth:
				c = colorFN
			default:
				c = colorTN
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

// Compose lays predictions out one per row with four panels: input RGB,
// ground truth, predicted mask and error map.
func Compose(preds []Prediction) (*image.RGBA, error) {
	if len(preds) == 0 {
		return nil, fmt.Errorf("no predictions to compose")
	}
	h, w := preds[0].Mask.H(), preds[0].Mask.W()
	ph, pw := h*PanelScale, w*PanelScale
	canvas := image.NewRGBA(image.Rect(0, 0, 4*pw+3*panelGap, len(preds)*ph+(len(preds)-1)*panelGap))
	xdraw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, xdraw.Src)

	for row, p := range preds {
		if p.Mask.H() != h || p.Mask.W() != w || !p.Prob.SameShape(p.Mask) || p.Image.H() != h || p.Image.W() != w {
			return nil, fmt.Errorf("prediction %s: tile shapes differ from %dx%d", p.Name, w, h)
		}
		panels := []*image.RGBA{rgbPanel(p.Image), maskPanel(p.Mask, 0.5), maskPanel(p.Prob, 0.5), errorPanel(p)}
		for col, panel := range panels {
			x0 := col * (pw + panelGap)
			y0 := row * (ph + panelGap)
			xdraw.NearestNeighbor.Scale(canvas, image.Rect(x0, y0, x0+pw, y0+ph), panel, panel.Bounds(), xdraw.Src, nil)
		}
	}
	return canvas, nil
}

// SavePredictionOverlay composes preds and writes them as PNG.
func SavePredictionOverlay(fsys fsutil.FileSystem, path string, preds []Prediction) error {
	img, err := Compose(preds)
	if err != nil {
		return err
	}
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// VisualizePredictions draws n distinct tiles of ds, chosen with seed, and
// saves their overlay to path.
func VisualizePredictions(fsys fsutil.FileSystem, path string, model nn.Model, ds *dataset.Dataset, n int, seed int64) error {
	if n <= 0 || n > ds.Len() {
		return fmt.Errorf("cannot sample %d of %d tiles", n, ds.Len())
	}
	rng := rand.New(rand.NewSource(seed))
	preds := make([]Prediction, 0, n)
	for _, idx := range rng.Perm(ds.Len())[:n] {
		s, err := ds.Get(idx, rng)
		if err != nil {
			return err
		}
		preds = append(preds, Predict(model, s))
	}
	if err := SavePredictionOverlay(fsys, path, preds); err != nil {
		return err
	}
	logf("saved %d predictions (seed %d) to %s", n, seed, path)
	return nil
}

// PredictionsFile names the overlay for one seed and encoder.
func PredictionsFile(seed int64, encoder string) string {
	return security.SanitizeFilename(fmt.Sprintf("predictions_%d_%s.png", seed, encoder))
}
