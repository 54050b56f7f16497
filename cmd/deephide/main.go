// Demo trainer and evaluator for the deephide image steganography networks.
//
// Train a UDH (universal/cover-agnostic) model on a folder of images:
//
//	deephide -data=~/img_align_celeba -checkpoints=~/deephide \
//	    -set="scheme=udh;num_secrets=2;train_epochs=20"
//
// Then evaluate the saved run side by side with a DDH one, including the
// capacity sweep and rendered sample grids:
//
//	deephide -train=false -udh_checkpoint=~/deephide/udh-1a2b3c4d \
//	    -ddh_checkpoint=~/deephide/ddh-5e6f7a8b -sweep
//
// Without -data it falls back to synthetic noise images, which is enough to
// exercise the pipeline but not to learn anything interesting.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/stegolab/deephide/stego"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir   = flag.String("data", "", "Directory with cover/secret images (.jpg or .png). If empty, synthetic noise images are used.")
	flagMaxImages = flag.Int("max_images", 0, "Limit on the number of images loaded from -data; 0 means all.")

	flagCheckpoints = flag.String("checkpoints", "", "Base directory for checkpoints; each run gets a subdirectory named after its run tag. If empty, nothing is saved.")
	flagTrain       = flag.Bool("train", true, "Whether to train a model.")
	flagEval        = flag.Bool("eval", true, "Whether to report evaluation metrics on held-out data at the end of training.")
	flagVerbosity   = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagUDHCheckpoint = flag.String("udh_checkpoint", "", "Checkpoint directory of a trained UDH run to evaluate.")
	flagDDHCheckpoint = flag.String("ddh_checkpoint", "", "Checkpoint directory of a trained DDH run to evaluate.")
	flagSweep         = flag.Bool("sweep", false, "During evaluation, sweep the active capacity from the trained number of secrets down to 1.")
	flagEvalBatches   = flag.Int("eval_batches", 0, "Limit on evaluation batches; 0 means the whole held-out dataset.")
	flagArtifacts     = flag.String("artifacts", "", "Directory for evaluation PNGs (cover/container/diff/secret/revealed). Defaults to the checkpoint directory.")

	flagSyntheticBatches = flag.Int("synthetic_batches", 50, "Batches per epoch when using synthetic images (-data empty).")
)

var backend = backends.MustNew()

func main() {
	ctx := stego.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	if *flagTrain {
		cfg := check1(stego.NewConfig(backend, ctx, *flagDataDir))
		trainDS, evalDS := check2(makeDatasets(cfg))
		err := exceptions.TryCatch[error](func() {
			check(stego.Train(cfg, *flagCheckpoints, paramsSet, trainDS, evalDS, *flagEval, *flagVerbosity))
		})
		if err != nil {
			klog.Fatalf("Training failed: %+v", err)
		}
	}

	if *flagUDHCheckpoint != "" || *flagDDHCheckpoint != "" {
		opts := stego.EvalOptions{
			MaxBatches:    *flagEvalBatches,
			SweepCapacity: *flagSweep,
			ArtifactsDir:  *flagArtifacts,
		}
		reports, err := stego.EvaluateSchemes(backend, *flagUDHCheckpoint, *flagDDHCheckpoint, newTestDataset, opts)
		if err != nil {
			klog.Fatalf("Evaluation failed: %+v", err)
		}
		for _, report := range reports {
			klog.Infof("%s", report)
		}
	}
}

// makeDatasets builds the paired training and held-out datasets for cfg,
// either from the images under -data or from synthetic noise.
func makeDatasets(cfg *stego.Config) (trainDS, evalDS train.Dataset, err error) {
	if *flagDataDir == "" {
		trainDS, err = syntheticPaired(cfg, "synthetic-train", cfg.Seed, cfg.BatchSize, *flagSyntheticBatches)
		if err != nil {
			return nil, nil, err
		}
		evalDS, err = syntheticPaired(cfg, "synthetic-eval", cfg.Seed+1, cfg.EvalBatchSize, *flagSyntheticBatches/5+1)
		return
	}

	base, err := stego.LoadImageFolder(cfg.Backend, "images", *flagDataDir, cfg.ImageSize, *flagMaxImages)
	if err != nil {
		return nil, nil, err
	}
	// Covers and secrets are shuffled independently so their pairing changes
	// every epoch.
	covers := base.Copy().Shuffle().BatchSize(cfg.CoverRows(cfg.BatchSize), true)
	secrets := base.Copy().Shuffle().BatchSize(cfg.SecretRows(cfg.BatchSize), true)
	trainDS = stego.NewPairedDataset("train", cfg, covers, secrets, cfg.BatchSize)

	evalCovers := base.Copy().BatchSize(cfg.CoverRows(cfg.EvalBatchSize), true)
	evalSecrets := base.Copy().Shuffle().BatchSize(cfg.SecretRows(cfg.EvalBatchSize), true)
	evalDS = stego.NewPairedDataset("eval", cfg, evalCovers, evalSecrets, cfg.EvalBatchSize)
	return
}

// newTestDataset builds the held-out dataset an Evaluator runs on. Each
// evaluator restores its own configuration from its checkpoint, so UDH and
// DDH runs with different capacities each get matching data.
func newTestDataset(cfg *stego.Config) (train.Dataset, error) {
	if *flagDataDir == "" {
		return syntheticPaired(cfg, "synthetic-test", cfg.Seed+2, cfg.EvalBatchSize, *flagSyntheticBatches/5+1)
	}
	base, err := stego.LoadImageFolder(cfg.Backend, "test-images", *flagDataDir, cfg.ImageSize, *flagMaxImages)
	if err != nil {
		return nil, err
	}
	covers := base.Copy().BatchSize(cfg.CoverRows(cfg.EvalBatchSize), true)
	secrets := base.Copy().Shuffle().BatchSize(cfg.SecretRows(cfg.EvalBatchSize), true)
	return stego.NewPairedDataset("test", cfg, covers, secrets, cfg.EvalBatchSize), nil
}

func syntheticPaired(cfg *stego.Config, name string, seed int64, batchSize, numBatches int) (train.Dataset, error) {
	covers := stego.NewRandomImageDataset(name+"-covers", seed,
		cfg.CoverRows(batchSize), cfg.ImageSize, cfg.ChannelsCover, numBatches)
	secrets := stego.NewRandomImageDataset(name+"-secrets", seed+1,
		cfg.SecretRows(batchSize), cfg.ImageSize, cfg.ChannelsSecret, numBatches)
	return stego.NewPairedDataset(name, cfg, covers, secrets, batchSize), nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}

// check2 reports and exits on error. Otherwise returns the values passed.
func check2[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	check(err)
	return v1, v2
}
