package stego

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Train runs the full training loop for cfg: it builds the trainer over the
// hide+reveal networks, attaches per-epoch checkpoint saving and the
// divergence guard, and runs cfg.NumEpochs epochs over trainDS.
//
// checkpointBase is the base directory holding one checkpoint directory per
// run tag; if empty, nothing is persisted. paramsSet lists hyperparameters
// overridden on the command line, which are excluded from checkpoint saving
// (the gomlx convention, so they can be overridden again when resuming).
//
// If a checkpoint for cfg.RunTag already exists, training resumes from its
// global step. On a non-finite loss the run aborts with ErrDivergence; the
// last saved checkpoint remains valid.
func Train(cfg *Config, checkpointBase string, paramsSet []string,
	trainDS, evalDS train.Dataset, evaluateOnEnd bool, verbosity int) error {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", cfg.Backend.Name(), cfg.Backend.Description())
		fmt.Printf("Run %q: scheme=%s capacity=%s loss=%s beta=%g\n",
			cfg.RunTag, cfg.Scheme, CapacityName(cfg.NumSecrets, cfg.NumCovers), cfg.LossKind, cfg.Beta)
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(cfg.Context))
	}

	var checkpoint *checkpoints.Handler
	if checkpointBase != "" {
		numCheckpoints := context.GetParamOr(cfg.Context, ParamNumCheckpoints, 3)
		var err error
		checkpoint, err = checkpoints.Build(cfg.Context).
			DirFromBase(cfg.RunTag, checkpointBase).
			Keep(numCheckpoints).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "creating checkpoint handler for run %q", cfg.RunTag)
		}
		if verbosity >= 1 {
			fmt.Printf("Checkpointing to %q\n", checkpoint.Dir())
		}
	}

	trainer := train.NewTrainer(cfg.Backend, cfg.Context, BuildTrainGraph(cfg),
		TotalLossFromPredictions,
		optimizers.FromContext(cfg.Context),
		TrainMetrics(),
		EvalMetrics())

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// A non-finite loss aborts the run before the step is checkpointed.
	loop.OnStep("divergence guard", 50, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		return checkFiniteMetrics(loop, metrics)
	})

	// Checkpoint at every epoch boundary; the final save below covers the
	// last epoch.
	if checkpoint != nil {
		lastEpoch := 0
		loop.OnStep("epoch checkpoint", 100, func(loop *train.Loop, _ []*tensors.Tensor) error {
			if loop.Epoch == lastEpoch {
				return nil
			}
			lastEpoch = loop.Epoch
			return checkpoint.Save()
		})
	}

	globalStep := optimizers.GetGlobalStep(cfg.Context)
	if globalStep > 0 {
		klog.Infof("run %q: resuming training from global step %d", cfg.RunTag, globalStep)
		trainer.SetContext(cfg.Context.Reuse())
	}

	_, err := loop.RunEpochs(trainDS, cfg.NumEpochs)
	if err != nil {
		if errors.Is(err, ErrDivergence) && checkpoint != nil {
			klog.Errorf("run %q diverged; last checkpoint in %q remains usable", cfg.RunTag, checkpoint.Dir())
		}
		return errors.WithMessagef(err, "training run %q", cfg.RunTag)
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}

	// Update batch normalization averages before the final save, if used.
	if evalDS != nil {
		updated, err := batchnorm.UpdateAverages(trainer, evalDS)
		if err != nil {
			return errors.WithMessagef(err, "updating batch normalization averages for run %q", cfg.RunTag)
		}
		if updated && verbosity >= 1 {
			fmt.Println("\tUpdated batch normalization mean/variance averages.")
		}
	}

	if checkpoint != nil {
		if err := checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "final checkpoint save for run %q", cfg.RunTag)
		}
	}

	if evaluateOnEnd && evalDS != nil {
		if verbosity >= 1 {
			fmt.Println()
		}
		if err := commandline.ReportEval(trainer, evalDS); err != nil {
			return errors.WithMessagef(err, "final evaluation for run %q", cfg.RunTag)
		}
	}
	return nil
}

// checkFiniteMetrics inspects the scalar float metrics of a train step (the
// batch loss among them) and fails with ErrDivergence on NaN or Inf.
func checkFiniteMetrics(loop *train.Loop, metrics []*tensors.Tensor) error {
	for _, t := range metrics {
		if t == nil || !t.Shape().IsScalar() || !t.DType().IsFloat() {
			continue
		}
		v := shapes.ConvertTo[float64](t.Value())
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrDivergence, "at global step %d (loss=%v)", loop.LoopStep, v)
		}
	}
	return nil
}
