package stego

// Hiding and revealing network graphs. The hiding network embeds a secret
// bundle into a cover bundle producing a container bundle; the revealing
// network recovers the secret bundle from the container bundle alone.
//
// Bundles are channel-concatenated: a batch of cover bundles is shaped
// [batchSize, imageSize, imageSize, numCovers*channelsCover] and a batch of
// secret bundles [batchSize, imageSize, imageSize, numSecrets*channelsSecret].
// Datasets yield individual images stacked on the batch axis; BundleImages
// folds them into bundles inside the graph.

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// BundleImages folds a stack of individual images [batch*group, size, size,
// channels] into channel-concatenated bundles [batch, size, size,
// group*channels]. Consecutive rows belong to the same bundle, so slot order
// is preserved: slot i of a bundle occupies channels [i*channels,
// (i+1)*channels).
func BundleImages(x *Node, group int) *Node {
	if group == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	rows, size, channels := dims[0], dims[1], dims[3]
	if rows%group != 0 {
		exceptions.Panicf("BundleImages: batch of %d rows is not divisible by bundle size %d", rows, group)
	}
	batch := rows / group
	x = Reshape(x, batch, group, size, size, channels)
	x = TransposeAllAxes(x, 0, 2, 3, 1, 4)
	return Reshape(x, batch, size, size, group*channels)
}

// convTower applies numLayers of same-padded convolutions with the configured
// normalization and activation. It keeps the spatial size unchanged.
func convTower(ctx *context.Context, x *Node, numLayers, channels int) *Node {
	kernelSize := context.GetParamOr(ctx, ParamKernelSize, 3)
	for layerIdx := range numLayers {
		ctx := ctx.Inf("%03d_conv", layerIdx)
		residual := x
		x = layers.Convolution(ctx, x).Channels(channels).KernelSize(kernelSize).PadSame().Done()
		x = normalizeTower(ctx, x)
		x = activations.ApplyFromContext(ctx, x)
		if residual.Shape().Equal(x.Shape()) {
			x = Add(x, residual)
		}
	}
	return x
}

func normalizeTower(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4) // [batch, size, size, channels]
	switch NormKind(context.GetParamOr(ctx, ParamNormalization, string(NormBatch))) {
	case NormBatch:
		return batchnorm.New(ctx, x, -1).Done()
	case NormInstance:
		// Normalizes each sample over its spatial axes, per channel.
		return layers.LayerNormalization(ctx, x, 1, 2).ScaleNormalization(false).Done()
	case NormNone:
		return x
	}
	exceptions.Panicf("invalid %s value %q", ParamNormalization, context.GetParamOr(ctx, ParamNormalization, ""))
	return nil
}

// UDHResidualGraph computes the cover-independent residual from the secret
// bundle alone. The Tanh head bounds each residual pixel to [-1, 1], so a
// container never leaves the valid range by more than one pixel unit from its
// cover. The residual never sees a cover, which is what makes the scheme
// universal: the same trained function works on arbitrary covers.
func UDHResidualGraph(ctx *context.Context, cfg *Config, secrets *Node) *Node {
	ctx = ctx.In("hide")
	numLayers := context.GetParamOr(ctx, ParamHideNumLayers, 5)
	channels := context.GetParamOr(ctx, ParamHideChannels, 64)
	kernelSize := context.GetParamOr(ctx, ParamKernelSize, 3)

	x := convTower(ctx, secrets, numLayers, channels)
	x = layers.Convolution(ctx.In("head"), x).
		Channels(cfg.ChannelsCover).KernelSize(kernelSize).PadSame().Done()
	return Tanh(x)
}

// udhContainers adds the same residual to every cover of the bundle: the
// payload is redundantly embedded across covers.
func udhContainers(cfg *Config, covers, residual *Node) *Node {
	if cfg.NumCovers > 1 {
		tiled := make([]*Node, cfg.NumCovers)
		for i := range tiled {
			tiled[i] = residual
		}
		residual = Concatenate(tiled, -1)
	}
	return Add(covers, residual)
}

// DDHHideGraph jointly consumes the cover and secret bundles,
// channel-concatenated, and produces the container bundle directly. The
// Sigmoid head keeps containers within [0, 1].
func DDHHideGraph(ctx *context.Context, cfg *Config, covers, secrets *Node) *Node {
	ctx = ctx.In("hide")
	numLayers := context.GetParamOr(ctx, ParamHideNumLayers, 5)
	channels := context.GetParamOr(ctx, ParamHideChannels, 64)
	kernelSize := context.GetParamOr(ctx, ParamKernelSize, 3)

	x := Concatenate([]*Node{covers, secrets}, -1)
	x = convTower(ctx, x, numLayers, channels)
	x = layers.Convolution(ctx.In("head"), x).
		Channels(cfg.CoverBundleChannels()).KernelSize(kernelSize).PadSame().Done()
	return Sigmoid(x)
}

// EncodeGraph produces the container bundle from cover and secret bundles,
// dispatching on the configured scheme.
func EncodeGraph(ctx *context.Context, cfg *Config, covers, secrets *Node) *Node {
	batchSize := covers.Shape().Dimensions[0]
	covers.AssertDims(batchSize, cfg.ImageSize, cfg.ImageSize, cfg.CoverBundleChannels())
	secrets.AssertDims(batchSize, cfg.ImageSize, cfg.ImageSize, cfg.SecretBundleChannels())

	var containers *Node
	switch cfg.Scheme {
	case SchemeUDH:
		containers = udhContainers(cfg, covers, UDHResidualGraph(ctx, cfg, secrets))
	case SchemeDDH:
		containers = DDHHideGraph(ctx, cfg, covers, secrets)
	default:
		exceptions.Panicf("unknown hiding scheme %q", cfg.Scheme)
	}
	containers.AssertDims(batchSize, cfg.ImageSize, cfg.ImageSize, cfg.CoverBundleChannels())
	return containers
}

// RevealGraph recovers the secret bundle from the container bundle. It never
// sees the covers: at decode time only the container is available. Output
// slot order matches the encode-time bundle order.
func RevealGraph(ctx *context.Context, cfg *Config, containers *Node) *Node {
	ctx = ctx.In("reveal")
	numLayers := context.GetParamOr(ctx, ParamRevealNumLayers, 5)
	channels := context.GetParamOr(ctx, ParamRevealChannels, 64)
	kernelSize := context.GetParamOr(ctx, ParamKernelSize, 3)

	x := convTower(ctx, containers, numLayers, channels)
	x = layers.Convolution(ctx.In("head"), x).
		Channels(cfg.SecretBundleChannels()).KernelSize(kernelSize).PadSame().Done()
	revealed := Sigmoid(x)
	revealed.AssertDims(containers.Shape().Dimensions[0], cfg.ImageSize, cfg.ImageSize, cfg.SecretBundleChannels())
	return revealed
}
