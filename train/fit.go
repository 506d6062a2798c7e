package train

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"
)

type BatchSource interface {
	Next(ctx context.Context) (pagekit.Batch, error)
}

type FitParams struct {
	// Train epochs InitialEpoch .. Epochs-1 (0-based).
	Epochs int
	InitialEpoch int
	StepsPerEpoch int
	ValidationSteps int
}

func FitParamsFromStage(stage pagekit.StageConfig) FitParams {
	return FitParams{
		Epochs: stage.Epochs,
		InitialEpoch: stage.InitialEpoch,
		StepsPerEpoch: stage.StepsPerEpoch,
		ValidationSteps: stage.ValidationSteps,
	}
}

// Number of steps between progress log lines.
const LogEvery = 100

func meanLoss(ctx context.Context, src BatchSource, steps int, f func(pagekit.Batch) (float64, error)) (float64, error) {
	var sum float64
	for step := 0; step < steps; step++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return 0, err
		}
		loss, err := f(batch)
		if err != nil {
			return 0, err
		}
		sum += loss
	}
	return sum / float64(steps), nil
}

// Fit the model on batches from train, validating on val after each epoch.
// val may be nil, in which case val_loss is unavailable to callbacks.
// OnTrainEnd runs for every callback that began, also when training fails or
// ctx is cancelled.
func Fit(ctx context.Context, model backend.Model, params FitParams, train BatchSource, val BatchSource, callbacks []Callback) (history []EpochLogs, err error) {
	if params.StepsPerEpoch <= 0 {
		return nil, fmt.Errorf("steps per epoch must be positive")
	}
	state := &State{Model: model}
	var begun []Callback
	defer func() {
		for _, cb := range begun {
			if endErr := cb.OnTrainEnd(state); endErr != nil && err == nil {
				err = endErr
			}
		}
	}()
	for _, cb := range callbacks {
		if err := cb.OnTrainBegin(state); err != nil {
			return nil, err
		}
		begun = append(begun, cb)
	}

	for epoch := params.InitialEpoch; epoch < params.Epochs && !state.StopTraining; epoch++ {
		log.Printf("[train] epoch %d/%d", epoch+1, params.Epochs)
		var sum float64
		for step := 0; step < params.StepsPerEpoch; step++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			batch, err := train.Next(ctx)
			if err != nil {
				return history, fmt.Errorf("error getting training batch: %v", err)
			}
			loss, err := model.TrainOnBatch(batch)
			if err != nil {
				return history, fmt.Errorf("error training on batch: %v", err)
			}
			sum += loss
			if (step+1) % LogEvery == 0 {
				log.Printf("[train] epoch %d step %d/%d loss %.4f", epoch+1, step+1, params.StepsPerEpoch, sum/float64(step+1))
			}
		}

		logs := EpochLogs{
			Epoch: epoch,
			Loss: sum / float64(params.StepsPerEpoch),
			ValLoss: math.NaN(),
			LR: model.LearningRate(),
		}
		if val != nil && params.ValidationSteps > 0 {
			valLoss, err := meanLoss(ctx, val, params.ValidationSteps, model.TestOnBatch)
			if err != nil {
				return history, fmt.Errorf("error validating: %v", err)
			}
			logs.ValLoss = valLoss
		}
		log.Printf("[train] epoch %d/%d - loss: %.4f - val_loss: %.4f - lr: %g", epoch+1, params.Epochs, logs.Loss, logs.ValLoss, logs.LR)
		history = append(history, logs)

		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(state, epoch, logs); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}
