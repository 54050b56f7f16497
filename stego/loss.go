package stego

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Indices of the model graph outputs (see BuildTrainGraph). The trainer's loss
// function picks PredTotalLoss; metrics read the two component terms.
const (
	PredContainers = iota
	PredRevealed
	PredHidingLoss
	PredRevealLoss
	PredTotalLoss
	numPredictions
)

// DistanceGraph reduces the pixel-wise distance between x and y to a scalar,
// under the given loss kind. Huber uses huberDelta as the transition from
// quadratic to linear.
func DistanceGraph(kind LossKind, x, y *Node, huberDelta float64) *Node {
	diff := Sub(x, y)
	switch kind {
	case LossMSE:
		return ReduceAllMean(Mul(diff, diff))
	case LossMAE:
		return ReduceAllMean(Abs(diff))
	case LossHuber:
		absDiff := Abs(diff)
		quadratic := ClipScalar(absDiff, 0, huberDelta)
		linear := Sub(absDiff, quadratic)
		return ReduceAllMean(Add(
			MulScalar(Mul(quadratic, quadratic), 0.5),
			MulScalar(linear, huberDelta)))
	}
	exceptions.Panicf("unknown loss kind %q", kind)
	return nil
}

// ComposeLossGraph blends the hiding-fidelity and reveal-fidelity terms:
//
//	loss = (1-beta)*hiding + beta*reveal
//
// beta=0 degenerates to pure hiding fidelity and beta=1 to pure reveal
// fidelity; the zeroed term contributes no gradient.
func ComposeLossGraph(beta float64, hidingLoss, revealLoss *Node) *Node {
	return Add(MulScalar(hidingLoss, 1.0-beta), MulScalar(revealLoss, beta))
}

// BuildTrainGraph returns the model function used for both training and
// evaluation: it bundles the raw cover/secret batches, encodes, decodes and
// computes the composed loss. Both networks are trained jointly from the one
// combined loss.
//
// inputs[0] are covers [batchSize*numCovers, size, size, channelsCover] and
// inputs[1] secrets [batchSize*numSecrets, size, size, channelsSecret].
func BuildTrainGraph(cfg *Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		covers := BundleImages(inputs[0], cfg.NumCovers)
		secrets := BundleImages(inputs[1], cfg.NumSecrets)

		containers := EncodeGraph(ctx, cfg, covers, secrets)
		revealed := RevealGraph(ctx, cfg, containers)

		huberDelta := context.GetParamOr(ctx, losses.ParamHuberLossDelta, 0.2)
		hidingLoss := DistanceGraph(cfg.LossKind, covers, containers, huberDelta)
		revealLoss := DistanceGraph(cfg.LossKind, secrets, revealed, huberDelta)
		totalLoss := ComposeLossGraph(cfg.Beta, hidingLoss, revealLoss)

		return []*Node{containers, revealed, hidingLoss, revealLoss, totalLoss}
	}
}

// TotalLossFromPredictions adapts the model outputs to the trainer: the
// composed loss is computed inside the model graph, following the same
// convention the generative pipelines use.
func TotalLossFromPredictions(labels, predictions []*Node) *Node {
	return predictions[PredTotalLoss]
}
