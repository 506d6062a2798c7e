package train

import (
	"math"

	"github.com/bookpage/pagekit/backend"
)

// Metrics at the end of one epoch. ValLoss is NaN when there was no validation.
type EpochLogs struct {
	Epoch int
	Loss float64
	ValLoss float64
	LR float64
}

// Value of a monitored quantity, false if it is unavailable.
func (logs EpochLogs) Get(name string) (float64, bool) {
	var x float64
	switch name {
	case "loss":
		x = logs.Loss
	case "val_loss":
		x = logs.ValLoss
	case "lr":
		x = logs.LR
	default:
		return 0, false
	}
	if math.IsNaN(x) {
		return 0, false
	}
	return x, true
}

// Shared between the fit loop and its callbacks.
type State struct {
	Model backend.Model
	// Set by a callback to end training after the current epoch.
	StopTraining bool
}

type Callback interface {
	OnTrainBegin(state *State) error
	OnEpochEnd(state *State, epoch int, logs EpochLogs) error
	OnTrainEnd(state *State) error
}

// Callback that only forwards epoch logs.
type ProgressFunc func(epoch int, logs EpochLogs)

func (f ProgressFunc) OnTrainBegin(state *State) error {
	return nil
}

func (f ProgressFunc) OnEpochEnd(state *State, epoch int, logs EpochLogs) error {
	f(epoch, logs)
	return nil
}

func (f ProgressFunc) OnTrainEnd(state *State) error {
	return nil
}
