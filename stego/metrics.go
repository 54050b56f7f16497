package stego

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// psnrFloor caps PSNR when the pixel difference vanishes: a mean squared error
// below this floor reports the corresponding maximum (100 dB for [0,1] pixels).
const psnrFloor = 1e-10

// PSNRGraph computes the peak-signal-to-noise ratio, in dB, between two image
// nodes with pixel values in [0, 1]. It is deterministic in the pixel
// differences: PSNR = -10*log10(mse).
func PSNRGraph(x, y *Node) *Node {
	diff := Sub(x, y)
	mse := ReduceAllMean(Mul(diff, diff))
	return MulScalar(Log(MaxScalar(mse, psnrFloor)), -10.0/math.Ln10)
}

// Training/evaluation metrics exposed by the trainer. The loss terms are
// computed inside the model graph; the metrics only average them over batches.

func newHidingLossMetric() metrics.Interface {
	return metrics.NewMeanMetric("Hiding Loss", "#hide", "loss",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return predictions[PredHidingLoss]
		}, nil).WithDynamicBatch(false)
}

func newRevealLossMetric() metrics.Interface {
	return metrics.NewMeanMetric("Reveal Loss", "#reveal", "loss",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return predictions[PredRevealLoss]
		}, nil).WithDynamicBatch(false)
}

// TrainMetrics returns the per-batch metrics reported during training.
func TrainMetrics() []metrics.Interface {
	return []metrics.Interface{newHidingLossMetric(), newRevealLossMetric()}
}

// EvalMetrics returns the metrics reported by trainer-driven evaluations.
func EvalMetrics() []metrics.Interface {
	return []metrics.Interface{newHidingLossMetric(), newRevealLossMetric()}
}
