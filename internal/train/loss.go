// Package train fits segmentation models: the combined Dice/BCE objective,
// streaming metrics, Adam with gradient scaling and clipping, a plateau
// scheduler, and the epoch loop with early stopping and checkpointing.
package train

import (
	"fmt"
	"math"

	"github.com/banshee-data/canopy/internal/nn"
)

// DiceBCELoss is WBCE*BCEWithLogits + WDice*(1 - soft Dice). Dice sums run
// over the whole batch.
type DiceBCELoss struct {
	WBCE   float64
	WDice  float64
	Smooth float64
}

// NewDiceBCELoss returns the loss with smoothing 1.
func NewDiceBCELoss(wbce, wdice float64) DiceBCELoss {
	return DiceBCELoss{WBCE: wbce, WDice: wdice, Smooth: 1}
}

// Forward returns the loss and its gradient with respect to logits.
func (l DiceBCELoss) Forward(logits, targets *nn.Tensor) (float64, *nn.Tensor, error) {
	if !logits.SameShape(targets) {
		return 0, nil, fmt.Errorf("logits %v and targets %v differ in shape", logits.Shape, targets.Shape)
	}
	n := float64(len(logits.Data))
	if n == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}

	probs := make([]float64, len(logits.Data))
	var bce, inter, psum, tsum float64
	for i, v := range logits.Data {
		x, t := float64(v), float64(targets.Data[i])
		bce += math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
		p := nn.Sigmoid(x)
		probs[i] = p
		inter += p * t
		psum += p
		tsum += t
	}
	bce /= n
	num := 2*inter + l.Smooth
	den := psum + tsum + l.Smooth
	dice := 1 - num/den

	grad := &nn.Tensor{Shape: logits.Shape, Data: make([]float32, len(logits.Data))}
	for i, p := range probs {
		t := float64(targets.Data[i])
		gBCE := (p - t) / n
		// d(dice)/dp, then through the sigmoid.
		gDice := -(2*t*den - num) / (den * den)
		grad.Data[i] = float32(l.WBCE*gBCE + l.WDice*gDice*p*(1-p))
	}
	return l.WBCE*bce + l.WDice*dice, grad, nil
}
