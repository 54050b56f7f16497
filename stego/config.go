// Package stego implements a deep-image-steganography training and evaluation
// pipeline: it trains a hiding network that embeds one or more secret images
// into one or more cover images -- producing a "container" visually close to
// the cover -- and a revealing network that recovers the secrets from the
// container alone.
//
// Two hiding schemes are supported: UDH (universal deep hiding), where the
// hiding network produces a cover-independent additive residual from the
// secrets only, and DDH (dependent deep hiding), where the hiding network is
// jointly conditioned on covers and secrets.
//
// Hyperparameters live in a context.Context created with CreateDefaultContext
// and can be overridden from the command line with the ui/commandline package.
// A validated, immutable Config is derived once per run with NewConfig.
package stego

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Scheme selects how the hiding network is conditioned.
type Scheme string

const (
	// SchemeUDH produces a cover-independent residual from the secrets only,
	// added on top of every cover in the bundle.
	SchemeUDH Scheme = "udh"

	// SchemeDDH conditions the hiding network jointly on covers and secrets.
	SchemeDDH Scheme = "ddh"
)

// NormKind selects the normalization used inside the hide/reveal towers.
type NormKind string

const (
	NormBatch    NormKind = "batch"
	NormInstance NormKind = "instance"
	NormNone     NormKind = "none"
)

// LossKind selects the distance used for both the hiding and the reveal terms.
type LossKind string

const (
	LossMSE   LossKind = "mse"
	LossMAE   LossKind = "mae"
	LossHuber LossKind = "huber"
)

// Context hyperparameter keys specific to this pipeline. Optimizer, activation
// and loss keys reuse the usual gomlx parameter names.
const (
	ParamImageSize      = "image_size"
	ParamBatchSize      = "batch_size"
	ParamEvalBatchSize  = "eval_batch_size"
	ParamNumEpochs      = "num_epochs"
	ParamNumSecrets     = "num_secrets"
	ParamNumCovers      = "num_covers"
	ParamChannelsCover  = "channels_cover"
	ParamChannelsSecret = "channels_secret"
	ParamNormalization  = "hide_normalization"
	ParamBeta           = "beta"
	ParamScheme         = "scheme"
	ParamRunTag         = "run_tag"
	ParamSeed           = "seed"
	ParamNumCheckpoints = "num_checkpoints"

	ParamHideNumLayers   = "hide_num_layers"
	ParamHideChannels    = "hide_channels"
	ParamRevealNumLayers = "reveal_num_layers"
	ParamRevealChannels  = "reveal_channels"
	ParamKernelSize      = "kernel_size"
)

// ParamsExcludedFromSaving are hyperparameters that shouldn't be stored along
// with model checkpoints, and may be freely overridden in later sessions.
var ParamsExcludedFromSaving = []string{
	ParamNumEpochs, ParamNumCheckpoints,
}

// CreateDefaultContext returns a context with the default hyperparameters for
// training. The defaults reproduce the 1-secret-in-1-cover UDH setting.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamImageSize:      128,
		ParamBatchSize:      40,
		ParamEvalBatchSize:  40,
		ParamNumEpochs:      5,
		ParamNumSecrets:     1,
		ParamNumCovers:      1,
		ParamChannelsCover:  3,
		ParamChannelsSecret: 3,
		ParamNormalization:  string(NormBatch),
		ParamBeta:           0.75,
		ParamScheme:         string(SchemeUDH),
		ParamRunTag:         "",
		ParamSeed:           42,
		ParamNumCheckpoints: 3,

		ParamHideNumLayers:   5,
		ParamHideChannels:    64,
		ParamRevealNumLayers: 5,
		ParamRevealChannels:  64,
		ParamKernelSize:      3,

		// Distance used for both loss terms: "mse", "mae" or "huber".
		losses.ParamLoss:           string(LossMSE),
		losses.ParamHuberLossDelta: 0.2,

		activations.ParamActivation: "relu",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "float32",
	})
	return ctx
}

// Config is the immutable description of one experiment, derived from the
// context hyperparameters by NewConfig and validated up front.
//
// NumSecrets and NumCovers jointly define the capacity configuration:
// NumSecrets>1 packs several secrets into one container bundle, NumCovers>1
// spreads (redundantly embeds) the payload across several covers.
type Config struct {
	Backend backends.Backend
	Context *context.Context
	DType   dtypes.DType

	ImageSize     int
	BatchSize     int
	EvalBatchSize int
	NumEpochs     int

	NumSecrets     int
	NumCovers      int
	ChannelsCover  int
	ChannelsSecret int

	Norm     NormKind
	LossKind LossKind
	Beta     float64
	Scheme   Scheme

	RunTag  string
	DataDir string
	Seed    int64
}

// NewConfig derives a Config from the hyperparameters in ctx and validates it.
// Invalid values are reported as an ErrConfiguration before any training or
// evaluation step runs.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string) (*Config, error) {
	cfg := &Config{
		Backend: backend,
		Context: ctx,
		DType:   dtypes.Float32,

		ImageSize:     context.GetParamOr(ctx, ParamImageSize, 128),
		BatchSize:     context.GetParamOr(ctx, ParamBatchSize, 40),
		EvalBatchSize: context.GetParamOr(ctx, ParamEvalBatchSize, 0),
		NumEpochs:     context.GetParamOr(ctx, ParamNumEpochs, 5),

		NumSecrets:     context.GetParamOr(ctx, ParamNumSecrets, 1),
		NumCovers:      context.GetParamOr(ctx, ParamNumCovers, 1),
		ChannelsCover:  context.GetParamOr(ctx, ParamChannelsCover, 3),
		ChannelsSecret: context.GetParamOr(ctx, ParamChannelsSecret, 3),

		Norm:     NormKind(context.GetParamOr(ctx, ParamNormalization, string(NormBatch))),
		LossKind: LossKind(context.GetParamOr(ctx, losses.ParamLoss, string(LossMSE))),
		Beta:     context.GetParamOr(ctx, ParamBeta, 0.75),
		Scheme:   Scheme(strings.ToLower(context.GetParamOr(ctx, ParamScheme, string(SchemeUDH)))),

		RunTag:  context.GetParamOr(ctx, ParamRunTag, ""),
		DataDir: dataDir,
		Seed:    int64(context.GetParamOr(ctx, ParamSeed, 42)),
	}
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RunTag == "" {
		cfg.RunTag = string(cfg.Scheme) + "-" + uuid.NewString()[:8]
		ctx.SetParam(ParamRunTag, cfg.RunTag)
	}
	return cfg, nil
}

// Validate checks every field, returning an ErrConfiguration naming the first
// offending hyperparameter.
func (cfg *Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return errors.Wrapf(ErrConfiguration, format, args...)
	}
	for _, err := range []error{
		check(cfg.ImageSize > 0, "%s=%d, must be positive", ParamImageSize, cfg.ImageSize),
		check(cfg.BatchSize > 0, "%s=%d, must be positive", ParamBatchSize, cfg.BatchSize),
		check(cfg.NumEpochs > 0, "%s=%d, must be positive", ParamNumEpochs, cfg.NumEpochs),
		check(cfg.NumSecrets > 0, "%s=%d, must be positive", ParamNumSecrets, cfg.NumSecrets),
		check(cfg.NumCovers > 0, "%s=%d, must be positive", ParamNumCovers, cfg.NumCovers),
		check(cfg.ChannelsCover > 0, "%s=%d, must be positive", ParamChannelsCover, cfg.ChannelsCover),
		check(cfg.ChannelsSecret > 0, "%s=%d, must be positive", ParamChannelsSecret, cfg.ChannelsSecret),
		check(cfg.Beta >= 0 && cfg.Beta <= 1, "%s=%g, must be within [0, 1]", ParamBeta, cfg.Beta),
	} {
		if err != nil {
			return err
		}
	}
	switch cfg.Norm {
	case NormBatch, NormInstance, NormNone:
	default:
		return errors.Wrapf(ErrConfiguration, "%s=%q, must be one of \"batch\", \"instance\" or \"none\"",
			ParamNormalization, cfg.Norm)
	}
	switch cfg.LossKind {
	case LossMSE, LossMAE, LossHuber:
	default:
		return errors.Wrapf(ErrConfiguration, "%s=%q, must be one of \"mse\", \"mae\" or \"huber\"",
			losses.ParamLoss, cfg.LossKind)
	}
	switch cfg.Scheme {
	case SchemeUDH, SchemeDDH:
	default:
		return errors.Wrapf(ErrConfiguration, "%s=%q, must be \"udh\" or \"ddh\"", ParamScheme, cfg.Scheme)
	}
	return nil
}

// CoverBundleChannels is the channel count of a cover (and container) bundle.
func (cfg *Config) CoverBundleChannels() int { return cfg.NumCovers * cfg.ChannelsCover }

// SecretBundleChannels is the channel count of a secret (and revealed) bundle.
func (cfg *Config) SecretBundleChannels() int { return cfg.NumSecrets * cfg.ChannelsSecret }

// CoverRows is the number of individual cover images per batch of the given
// size: the paired dataset yields them stacked on the batch axis, and the
// model graph folds them into bundles of NumCovers.
func (cfg *Config) CoverRows(batchSize int) int { return batchSize * cfg.NumCovers }

// SecretRows is the number of individual secret images per batch of the given
// size.
func (cfg *Config) SecretRows(batchSize int) int { return batchSize * cfg.NumSecrets }

// CapacityName is the short identifier of a (numSecrets, numCovers) capacity
// configuration, e.g. "2s1c".
func CapacityName(numSecrets, numCovers int) string {
	return fmt.Sprintf("%ds%dc", numSecrets, numCovers)
}
