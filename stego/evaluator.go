package stego

import (
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"os"
	"path"
	"sort"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// CapacitySlice holds the reveal quality measured for one active capacity
// configuration during the evaluation sweep.
type CapacitySlice struct {
	NumSecrets int     `json:"num_secrets"`
	NumCovers  int     `json:"num_covers"`
	RevealErr  float64 `json:"reveal_error"`
	RevealStd  float64 `json:"reveal_error_stddev"`
	RevealPSNR float64 `json:"reveal_psnr_db"`
}

// MetricReport is the structured output of an evaluation run: hiding
// distortion (cover vs. container), reveal error (secret vs. revealed), PSNR
// for both, and the per-capacity sweep. Values are averages over the held-out
// batches, with standard deviations across batches.
type MetricReport struct {
	Scheme     Scheme `json:"scheme"`
	RunTag     string `json:"run_tag"`
	GlobalStep int64  `json:"global_step"`
	Seed       int64  `json:"seed"`
	NumBatches int    `json:"num_batches"`

	HidingDistortion float64 `json:"hiding_distortion"`
	HidingStd        float64 `json:"hiding_distortion_stddev"`
	RevealError      float64 `json:"reveal_error"`
	RevealStd        float64 `json:"reveal_error_stddev"`
	HidingPSNR       float64 `json:"hiding_psnr_db"`
	RevealPSNR       float64 `json:"reveal_psnr_db"`

	PerCapacity map[string]CapacitySlice `json:"per_capacity"`
}

// EvalOptions configures Evaluator.Evaluate.
type EvalOptions struct {
	// MaxBatches caps how many held-out batches are consumed; 0 means all.
	MaxBatches int

	// SweepCapacity measures reveal quality for every active-secret count
	// from the trained NumSecrets down to 1.
	SweepCapacity bool

	// ArtifactsDir, when non-empty, receives rendered PNGs of the first
	// held-out batch: cover, container, amplified difference, secret and
	// revealed secret.
	ArtifactsDir string

	// ArtifactSamples is how many samples of the first batch are rendered.
	// Defaults to 4.
	ArtifactSamples int
}

// Evaluator loads a trained checkpoint read-only and measures hiding and
// reveal quality on held-out data, with gradients disabled. Two evaluators
// (one per scheme checkpoint) can be used side by side; see EvaluateSchemes.
type Evaluator struct {
	cfg     *Config
	handler *checkpoints.Handler
}

// NewEvaluator loads the networks stored under checkpointDir into a fresh
// context. The experiment configuration is restored from the checkpoint's
// saved hyperparameters. A missing checkpoint surfaces as an error (it is
// never retried).
func NewEvaluator(backend backends.Backend, checkpointDir string) (*Evaluator, error) {
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", checkpointDir)
	}
	cfg, err := NewConfig(backend, ctx, "")
	if err != nil {
		return nil, errors.WithMessagef(err, "restoring configuration from checkpoint %q", checkpointDir)
	}
	return &Evaluator{cfg: cfg, handler: handler}, nil
}

// Config returns the configuration restored from the checkpoint.
func (e *Evaluator) Config() *Config { return e.cfg }

// CheckpointDir returns the directory the evaluator was loaded from.
func (e *Evaluator) CheckpointDir() string { return e.handler.Dir() }

// evalOutputs indexes the outputs of the full-capacity evaluation graph.
const (
	evalHiding = iota
	evalReveal
	evalHidingPSNR
	evalRevealPSNR
	evalArtCover
	evalArtContainer
	evalArtDiff
	evalArtSecret
	evalArtRevealed
	numEvalOutputs
)

// evalGraph builds the gradient-free encode/decode graph used for evaluation.
// It mirrors the training computation with training mode off, and adds PSNR
// and render-ready (clipped, first bundle slot) image outputs.
func (e *Evaluator) evalGraph(ctx *context.Context, inputs []*Node) []*Node {
	cfg := e.cfg
	g := inputs[0].Graph()
	ctx.SetTraining(g, false)

	covers := BundleImages(inputs[0], cfg.NumCovers)
	secrets := BundleImages(inputs[1], cfg.NumSecrets)
	containers := EncodeGraph(ctx, cfg, covers, secrets)
	revealed := RevealGraph(ctx, cfg, containers)

	huberDelta := context.GetParamOr(ctx, losses.ParamHuberLossDelta, 0.2)
	hiding := DistanceGraph(cfg.LossKind, covers, containers, huberDelta)
	reveal := DistanceGraph(cfg.LossKind, secrets, revealed, huberDelta)

	firstSlot := func(x *Node, channels int) *Node {
		x = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, channels))
		return ClipScalar(x, 0, 1)
	}
	coverArt := firstSlot(covers, cfg.ChannelsCover)
	containerArt := firstSlot(containers, cfg.ChannelsCover)
	diffArt := ClipScalar(MulScalar(Abs(Sub(containerArt, coverArt)), 10), 0, 1)

	return []*Node{
		hiding, reveal,
		PSNRGraph(covers, containers),
		PSNRGraph(secrets, revealed),
		coverArt, containerArt, diffArt,
		firstSlot(secrets, cfg.ChannelsSecret),
		firstSlot(revealed, cfg.ChannelsSecret),
	}
}

// sweepGraph builds the evaluation graph for a reduced active capacity: only
// the first activeSecrets slots carry payload, the remaining slots are
// replaced by a neutral mid-gray plane, and reveal quality is measured over
// the active slots only. The trained architecture fixes the bundle channel
// counts, so the sweep varies the active payload, not the network shape.
func (e *Evaluator) sweepGraph(activeSecrets int) func(ctx *context.Context, inputs []*Node) []*Node {
	cfg := e.cfg
	return func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, false)

		covers := BundleImages(inputs[0], cfg.NumCovers)
		secrets := BundleImages(inputs[1], cfg.NumSecrets)
		activeChannels := activeSecrets * cfg.ChannelsSecret
		active := Slice(secrets, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, activeChannels))
		if activeSecrets < cfg.NumSecrets {
			inactive := Slice(secrets, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(activeChannels))
			gray := MulScalar(OnesLike(inactive), 0.5)
			secrets = Concatenate([]*Node{active, gray}, -1)
		}

		containers := EncodeGraph(ctx, cfg, covers, secrets)
		revealed := RevealGraph(ctx, cfg, containers)
		revealedActive := Slice(revealed, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, activeChannels))

		huberDelta := context.GetParamOr(ctx, losses.ParamHuberLossDelta, 0.2)
		return []*Node{
			DistanceGraph(cfg.LossKind, active, revealedActive, huberDelta),
			PSNRGraph(active, revealedActive),
		}
	}
}

// Evaluate consumes testDS (held-out data, same pairing contract as training)
// and produces a MetricReport. The result is reproducible given a fixed seed,
// fixed dataset order and fixed checkpoint: batches are processed strictly
// sequentially and no training-mode randomness is active.
func (e *Evaluator) Evaluate(testDS train.Dataset, opts EvalOptions) (report *MetricReport, err error) {
	cfg := e.cfg
	report = &MetricReport{
		Scheme:      cfg.Scheme,
		RunTag:      cfg.RunTag,
		GlobalStep:  optimizers.GetGlobalStep(cfg.Context),
		Seed:        cfg.Seed,
		PerCapacity: make(map[string]CapacitySlice),
	}

	err = exceptions.TryCatch[error](func() {
		exec := context.MustNewExec(cfg.Backend, cfg.Context.Reuse(), e.evalGraph)
		var hidings, reveals, hidingPSNRs, revealPSNRs []float64
		var artifacts []*tensors.Tensor

		testDS.Reset()
		for {
			_, inputs, _, yieldErr := testDS.Yield()
			if yieldErr == io.EOF {
				break
			}
			if yieldErr != nil {
				panic(errors.WithMessagef(yieldErr, "reading held-out batch %d", len(hidings)))
			}
			outputs := exec.MustExec(inputs[0], inputs[1])
			hidings = append(hidings, scalarF64(outputs[evalHiding]))
			reveals = append(reveals, scalarF64(outputs[evalReveal]))
			hidingPSNRs = append(hidingPSNRs, scalarF64(outputs[evalHidingPSNR]))
			revealPSNRs = append(revealPSNRs, scalarF64(outputs[evalRevealPSNR]))
			if artifacts == nil && opts.ArtifactsDir != "" {
				artifacts = outputs[evalArtCover : evalArtRevealed+1]
			} else {
				finalizeAll(outputs[evalArtCover : evalArtRevealed+1])
			}
			finalizeAll(outputs[:evalArtCover])
			finalizeAll(inputs)
			if opts.MaxBatches > 0 && len(hidings) >= opts.MaxBatches {
				break
			}
		}
		if len(hidings) == 0 {
			panic(errors.Errorf("held-out dataset %q yielded no batches", testDS.Name()))
		}

		report.NumBatches = len(hidings)
		report.HidingDistortion, report.HidingStd = meanAndStd(hidings)
		report.RevealError, report.RevealStd = meanAndStd(reveals)
		report.HidingPSNR, _ = meanAndStd(hidingPSNRs)
		report.RevealPSNR, _ = meanAndStd(revealPSNRs)

		if opts.SweepCapacity {
			e.sweepCapacities(testDS, opts.MaxBatches, report)
		} else {
			report.PerCapacity[CapacityName(cfg.NumSecrets, cfg.NumCovers)] = CapacitySlice{
				NumSecrets: cfg.NumSecrets,
				NumCovers:  cfg.NumCovers,
				RevealErr:  report.RevealError,
				RevealStd:  report.RevealStd,
				RevealPSNR: report.RevealPSNR,
			}
		}

		if artifacts != nil {
			samples := opts.ArtifactSamples
			if samples <= 0 {
				samples = 4
			}
			if renderErr := renderArtifacts(opts.ArtifactsDir, artifacts, samples); renderErr != nil {
				panic(renderErr)
			}
			finalizeAll(artifacts)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating run %q", report.RunTag)
	}
	return report, nil
}

// sweepCapacities fills report.PerCapacity, replaying the same held-out
// batches for every active-secret count.
func (e *Evaluator) sweepCapacities(testDS train.Dataset, maxBatches int, report *MetricReport) {
	cfg := e.cfg
	for s := cfg.NumSecrets; s >= 1; s-- {
		exec := context.MustNewExec(cfg.Backend, cfg.Context.Reuse(), e.sweepGraph(s))
		var reveals, psnrs []float64
		testDS.Reset()
		for {
			_, inputs, _, yieldErr := testDS.Yield()
			if yieldErr == io.EOF {
				break
			}
			if yieldErr != nil {
				panic(errors.WithMessagef(yieldErr, "capacity sweep %s: reading held-out batch %d",
					CapacityName(s, cfg.NumCovers), len(reveals)))
			}
			outputs := exec.MustExec(inputs[0], inputs[1])
			reveals = append(reveals, scalarF64(outputs[0]))
			psnrs = append(psnrs, scalarF64(outputs[1]))
			finalizeAll(outputs)
			finalizeAll(inputs)
			if maxBatches > 0 && len(reveals) >= maxBatches {
				break
			}
		}
		slice := CapacitySlice{NumSecrets: s, NumCovers: cfg.NumCovers}
		slice.RevealErr, slice.RevealStd = meanAndStd(reveals)
		slice.RevealPSNR, _ = meanAndStd(psnrs)
		report.PerCapacity[CapacityName(s, cfg.NumCovers)] = slice
	}
}

// CheckCapacityMonotonic verifies that reveal error does not increase when
// the active capacity is decreased back toward a single secret: packing fewer
// secrets must not reveal worse. tolerance absorbs numerical noise.
func (r *MetricReport) CheckCapacityMonotonic(tolerance float64) error {
	type entry struct {
		name  string
		slice CapacitySlice
	}
	var ordered []entry
	for name, slice := range r.PerCapacity {
		ordered = append(ordered, entry{name, slice})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].slice.NumSecrets < ordered[j].slice.NumSecrets
	})
	for i := 1; i < len(ordered); i++ {
		lower, higher := ordered[i-1], ordered[i]
		if lower.slice.RevealErr > higher.slice.RevealErr+tolerance {
			return errors.Errorf(
				"reveal error increased when reducing capacity: %s=%.6g > %s=%.6g",
				lower.name, lower.slice.RevealErr, higher.name, higher.slice.RevealErr)
		}
	}
	return nil
}

// WriteJSON persists the report atomically (write-to-temp-then-rename).
func (r *MetricReport) WriteJSON(filePath string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshaling metric report for run %q", r.RunTag)
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "writing metric report to %q", tmp)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return errors.Wrapf(err, "renaming metric report into %q", filePath)
	}
	return nil
}

// String prints a short human-readable summary.
func (r *MetricReport) String() string {
	return fmt.Sprintf("[%s/%s @%d] hiding=%.6g (%.2f dB) reveal=%.6g (%.2f dB), %d capacity slices",
		r.Scheme, r.RunTag, r.GlobalStep,
		r.HidingDistortion, r.HidingPSNR, r.RevealError, r.RevealPSNR, len(r.PerCapacity))
}

// EvaluateSchemes evaluates a UDH and/or a DDH checkpoint side by side: each
// non-empty directory is loaded independently and run over its own held-out
// dataset built by newTestDS. Reports are also written as JSON into the
// corresponding checkpoint directory.
func EvaluateSchemes(backend backends.Backend, udhDir, ddhDir string,
	newTestDS func(cfg *Config) (train.Dataset, error), opts EvalOptions) ([]*MetricReport, error) {
	var reports []*MetricReport
	for _, dir := range []string{udhDir, ddhDir} {
		if dir == "" {
			continue
		}
		evaluator, err := NewEvaluator(backend, dir)
		if err != nil {
			return reports, err
		}
		testDS, err := newTestDS(evaluator.Config())
		if err != nil {
			return reports, errors.WithMessagef(err, "building held-out dataset for checkpoint %q", dir)
		}
		batchOpts := opts
		if batchOpts.ArtifactsDir == "" {
			batchOpts.ArtifactsDir = dir
		}
		report, err := evaluator.Evaluate(testDS, batchOpts)
		if err != nil {
			return reports, err
		}
		reportPath := path.Join(dir, fmt.Sprintf("metrics-%07d.json", report.GlobalStep))
		if err := report.WriteJSON(reportPath); err != nil {
			return reports, err
		}
		klog.Infof("evaluated %s: %s (report in %q)", dir, report, reportPath)
		reports = append(reports, report)
	}
	return reports, nil
}

// renderArtifacts writes the first ArtifactSamples of each artifact tensor as
// PNGs for qualitative inspection.
func renderArtifacts(dir string, artifacts []*tensors.Tensor, samples int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating artifacts directory %q", dir)
	}
	names := []string{"cover", "container", "diff_x10", "secret", "revealed"}
	for i, t := range artifacts {
		images := timage.ToImage().MaxValue(1.0).Batch(t)
		if samples < len(images) {
			images = images[:samples]
		}
		for j, img := range images {
			filePath := path.Join(dir, fmt.Sprintf("%s_%02d.png", names[i], j))
			f, err := os.Create(filePath)
			if err != nil {
				return errors.Wrapf(err, "creating artifact %q", filePath)
			}
			if err := png.Encode(f, img); err != nil {
				_ = f.Close()
				return errors.Wrapf(err, "encoding artifact %q", filePath)
			}
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "closing artifact %q", filePath)
			}
		}
	}
	return nil
}

func scalarF64(t *tensors.Tensor) float64 {
	return shapes.ConvertTo[float64](t.Value())
}

func meanAndStd(values []float64) (mean, stddev float64) {
	mean = stat.Mean(values, nil)
	if len(values) > 1 {
		stddev = stat.StdDev(values, nil)
	}
	return
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.MustFinalizeAll()
		}
	}
}
