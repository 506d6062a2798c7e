package train

import (
	"log"
	"math"
	"os"

	"github.com/bookpage/pagekit/backend"
)

// Stops training once the monitored value has not improved for Patience epochs.
// With RestoreBestWeights the weights of the best epoch are kept in
// BestWeightsPath and loaded back when stopping.
type EarlyStopping struct {
	Monitor string
	MinDelta float64
	Patience int
	RestoreBestWeights bool
	BestWeightsPath string

	best float64
	wait int
	haveBest bool
	StoppedEpoch int
}

func NewEarlyStopping(patience int, bestWeightsPath string) *EarlyStopping {
	return &EarlyStopping{
		Monitor: "val_loss",
		Patience: patience,
		RestoreBestWeights: bestWeightsPath != "",
		BestWeightsPath: bestWeightsPath,
	}
}

func (e *EarlyStopping) OnTrainBegin(state *State) error {
	e.best = math.Inf(1)
	e.wait = 0
	e.haveBest = false
	e.StoppedEpoch = 0
	return nil
}

func (e *EarlyStopping) OnEpochEnd(state *State, epoch int, logs EpochLogs) error {
	current, ok := logs.Get(e.Monitor)
	if !ok {
		log.Printf("[early-stopping] %s not available, skipping", e.Monitor)
		return nil
	}
	if current < e.best - e.MinDelta {
		e.best = current
		e.wait = 0
		if e.RestoreBestWeights {
			if err := state.Model.SaveWeights(e.BestWeightsPath); err != nil {
				return err
			}
			e.haveBest = true
		}
		return nil
	}

	e.wait++
	if e.wait < e.Patience {
		return nil
	}
	e.StoppedEpoch = epoch
	state.StopTraining = true
	if e.RestoreBestWeights && e.haveBest {
		log.Printf("[early-stopping] restoring model weights from the end of the best epoch")
		if err := state.Model.LoadWeights(e.BestWeightsPath, backend.LoadOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (e *EarlyStopping) OnTrainEnd(state *State) error {
	if e.StoppedEpoch > 0 {
		log.Printf("[early-stopping] epoch %05d: early stopping", e.StoppedEpoch+1)
	}
	if e.haveBest {
		os.Remove(e.BestWeightsPath)
	}
	return nil
}
