package train

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/dataset"
	"github.com/bookpage/pagekit/pagekit"
)

const (
	Stage1WeightsFile = "trained_weights_stage_1.h5"
	FinalWeightsFile = "trained_weights_final.h5"
	bestWeightsFile = ".early_stopping_best.h5"
)

type TrainParams struct {
	DataFile string
	// Only "images" is supported.
	SrcType string
	ModelStruc string
	// Pretrained weights; loading is skipped if the file doesn't exist.
	PretrainedPath string
	FreezeBody bool
	Seed int64
}

func (p TrainParams) WithDefaults(cfg pagekit.Config) TrainParams {
	if p.DataFile == "" {
		p.DataFile = cfg.TagsFile
	}
	if p.SrcType == "" {
		p.SrcType = dataset.SourceImages
	}
	if p.ModelStruc == "" {
		p.ModelStruc = "densenet"
	}
	return p
}

// Produces training and validation batches. The validation source may be nil.
type DataFunc func(cfg pagekit.Config, params TrainParams, anchors pagekit.Anchors) (BatchSource, BatchSource, error)

func TagsFileData(cfg pagekit.Config, params TrainParams, anchors pagekit.Anchors) (BatchSource, BatchSource, error) {
	opts := dataset.Options{
		BatchSize: cfg.BatchSize,
		InputSize: cfg.InputSize,
		Anchors: anchors,
		NumClasses: cfg.NumClasses(),
		Seed: params.Seed,
	}
	train, val, err := dataset.DataGenerator(params.DataFile, params.SrcType, cfg.ValidationSplit, opts)
	if err != nil {
		return nil, nil, err
	}
	if val == nil {
		return train, nil, nil
	}
	return train, val, nil
}

type Trainer struct {
	Config pagekit.Config
	Builder backend.Builder
	// Defaults to TagsFileData.
	Data DataFunc
	// Optional, called at the end of every epoch.
	Progress func(stage string, epoch int, logs EpochLogs)
}

type Result struct {
	Stage1Weights string
	FinalWeights string
	Checkpoints []string
	History []EpochLogs
}

func (t *Trainer) progress(stage string) Callback {
	return ProgressFunc(func(epoch int, logs EpochLogs) {
		if t.Progress != nil {
			t.Progress(stage, epoch, logs)
		}
	})
}

// Train the detector: an optional frozen-body stage, then a full stage with
// learning-rate decay and early stopping.
func (t *Trainer) Train(ctx context.Context, params TrainParams) (*Result, error) {
	cfg := t.Config
	params = params.WithDefaults(cfg)
	if err := pagekit.EnsureDir(cfg.LogsDir); err != nil {
		return nil, err
	}
	if err := pagekit.EnsureDir(cfg.CkptDir); err != nil {
		return nil, err
	}

	numClasses := cfg.NumClasses()
	anchors, err := pagekit.ReadAnchors(cfg.AnchorsFile)
	if err != nil {
		return nil, err
	}
	log.Printf("[train] classes %v, anchors %v", cfg.BoxClasses, anchors)

	loadPretrained := pagekit.FileExists(params.PretrainedPath)
	if params.PretrainedPath != "" && !loadPretrained {
		log.Printf("[train] pretrained weights %s not found, training from scratch", params.PretrainedPath)
	}
	model, err := CreateModel(ctx, t.Builder, ModelParams{
		Anchors: anchors,
		NumClasses: numClasses,
		ModelStruc: params.ModelStruc,
		LoadPretrained: loadPretrained,
		WeightsPath: params.PretrainedPath,
		FreezeBody: params.FreezeBody,
	})
	if err != nil {
		return nil, err
	}
	defer model.Close()

	data := t.Data
	if data == nil {
		data = TagsFileData
	}
	trainData, valData, err := data(cfg, params, anchors)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		LogDir: cfg.LogsDir,
		Eval: backend.EvalOptions{
			ScoreThresh: cfg.ClassScoreThresh,
			IouThresh: cfg.NMSIouThresh,
			MaxBoxes: cfg.NMSMaxBoxes,
			Categories: cfg.BoxClasses,
		},
	}
	if preview, err := previewImage(ctx, trainData, valData); err != nil {
		log.Printf("[train] no preview image: %v", err)
	} else {
		summary.Preview = &preview
	}
	checkpoint := NewCheckpoint(filepath.Join(cfg.CkptDir, CheckpointTemplate))
	reduceLR := NewReduceLROnPlateau(cfg.ReduceLRFactor, cfg.ReduceLRPatience)
	earlyStopping := NewEarlyStopping(cfg.EarlyStopPatience, filepath.Join(cfg.CkptDir, bestWeightsFile))

	result := &Result{}

	if params.FreezeBody {
		summary.Stage = "stage1"
		if err := model.Compile(cfg.Stage1.LearningRate); err != nil {
			return nil, err
		}
		log.Printf("[train] Training starts: validation_split %v, batch_size %d.", cfg.ValidationSplit, cfg.BatchSize)
		callbacks := []Callback{summary, checkpoint, t.progress("stage1")}
		history, err := Fit(ctx, model, FitParamsFromStage(cfg.Stage1), trainData, valData, callbacks)
		result.History = append(result.History, history...)
		if err != nil {
			return result, fmt.Errorf("stage 1: %v", err)
		}
		result.Stage1Weights = filepath.Join(cfg.CkptDir, Stage1WeightsFile)
		if err := model.SaveWeights(result.Stage1Weights); err != nil {
			return result, err
		}
	}

	log.Printf("[train] Unfreeze all of layers.")
	if err := model.Freeze(0); err != nil {
		return result, err
	}
	summary.Stage = "stage2"
	if err := model.Compile(cfg.Stage2.LearningRate); err != nil {
		return result, err
	}
	log.Printf("[train] Training starts: validation_split %v, batch_size %d.", cfg.ValidationSplit, cfg.BatchSize)
	callbacks := []Callback{summary, checkpoint, reduceLR, earlyStopping, t.progress("stage2")}
	history, err := Fit(ctx, model, FitParamsFromStage(cfg.Stage2), trainData, valData, callbacks)
	result.History = append(result.History, history...)
	result.Checkpoints = checkpoint.Saved
	if err != nil {
		return result, fmt.Errorf("stage 2: %v", err)
	}
	result.FinalWeights = filepath.Join(cfg.CkptDir, FinalWeightsFile)
	if err := model.SaveWeights(result.FinalWeights); err != nil {
		return result, err
	}
	return result, nil
}

// First image of a batch, preferring validation data.
func previewImage(ctx context.Context, train BatchSource, val BatchSource) (pagekit.Image, error) {
	src := val
	if src == nil {
		src = train
	}
	batch, err := src.Next(ctx)
	if err != nil {
		return pagekit.Image{}, err
	}
	if batch.Size() == 0 {
		return pagekit.Image{}, fmt.Errorf("empty batch")
	}
	return batch.Image(0), nil
}
