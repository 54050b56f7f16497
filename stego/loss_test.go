package stego

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDistanceGraph(t *testing.T) {
	// diff = [0, 1, 2]:
	//   mse   = (0 + 1 + 4)/3
	//   mae   = (0 + 1 + 2)/3
	//   huber (delta=1) = (0 + 0.5 + 1.5)/3
	for _, test := range []struct {
		kind LossKind
		want float64
	}{
		{LossMSE, 5.0 / 3.0},
		{LossMAE, 1.0},
		{LossHuber, 2.0 / 3.0},
	} {
		graphtest.RunTestGraphFn(t, string(test.kind),
			func(g *Graph) (inputs, outputs []*Node) {
				x := Const(g, []float32{0, 1, 2})
				y := Const(g, []float32{0, 2, 4})
				inputs = []*Node{x, y}
				outputs = []*Node{DistanceGraph(test.kind, x, y, 1.0)}
				return
			}, []any{float32(test.want)}, 1e-6)
	}
}

func TestComposeLossGraph(t *testing.T) {
	for _, test := range []struct {
		beta float64
		want float64
	}{
		{0.0, 2.0},  // pure hiding fidelity
		{1.0, 10.0}, // pure reveal fidelity
		{0.75, 0.25*2.0 + 0.75*10.0},
	} {
		graphtest.RunTestGraphFn(t, "ComposeLossGraph",
			func(g *Graph) (inputs, outputs []*Node) {
				hiding := Const(g, float32(2.0))
				reveal := Const(g, float32(10.0))
				inputs = []*Node{hiding, reveal}
				outputs = []*Node{ComposeLossGraph(test.beta, hiding, reveal)}
				return
			}, []any{float32(test.want)}, 1e-6)
	}
}

func TestBuildTrainGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallTestContext(nil)
	cfg, err := NewConfig(backend, ctx, "")
	require.NoError(t, err)

	modelFn := BuildTrainGraph(cfg)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		covers := syntheticBatch(g, cfg.CoverRows(cfg.BatchSize), cfg.ImageSize, cfg.ChannelsCover, 0)
		secrets := syntheticBatch(g, cfg.SecretRows(cfg.BatchSize), cfg.ImageSize, cfg.ChannelsSecret, 0.2)
		predictions := modelFn(ctx, nil, []*Node{covers, secrets})
		total := TotalLossFromPredictions(nil, predictions)
		recomposed := ComposeLossGraph(cfg.Beta, predictions[PredHidingLoss], predictions[PredRevealLoss])
		return append(predictions, Sub(total, recomposed))
	})
	outputs := exec.MustExec()
	require.Len(t, outputs, numPredictions+1)

	for _, i := range []int{PredHidingLoss, PredRevealLoss, PredTotalLoss} {
		require.True(t, outputs[i].Shape().IsScalar(), "prediction %d must reduce to a scalar", i)
	}
	// The trainer's loss is exactly the blend of the two component terms.
	assert.Zero(t, outputs[numPredictions].Value().(float32))
}
