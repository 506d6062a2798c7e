package train

import (
	"log"
	"math"
)

// Multiplies the learning rate by Factor once the monitored value has not
// improved by more than MinDelta for Patience epochs.
type ReduceLROnPlateau struct {
	Monitor string
	Factor float64
	Patience int
	MinDelta float64
	Cooldown int
	MinLR float64

	best float64
	wait int
	cooldownCounter int
}

func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		Monitor: "val_loss",
		Factor: factor,
		Patience: patience,
		MinDelta: 1e-4,
		best: math.Inf(1),
	}
}

func (r *ReduceLROnPlateau) reset() {
	r.best = math.Inf(1)
	r.wait = 0
	r.cooldownCounter = 0
}

func (r *ReduceLROnPlateau) OnTrainBegin(state *State) error {
	r.reset()
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(state *State, epoch int, logs EpochLogs) error {
	current, ok := logs.Get(r.Monitor)
	if !ok {
		log.Printf("[reduce-lr] %s not available, skipping", r.Monitor)
		return nil
	}
	if r.cooldownCounter > 0 {
		r.cooldownCounter--
		r.wait = 0
	}

	if current < r.best - r.MinDelta {
		r.best = current
		r.wait = 0
		return nil
	}
	if r.cooldownCounter > 0 {
		return nil
	}
	r.wait++
	if r.wait < r.Patience {
		return nil
	}

	oldLR := state.Model.LearningRate()
	if oldLR > r.MinLR {
		newLR := math.Max(oldLR*r.Factor, r.MinLR)
		if err := state.Model.SetLearningRate(newLR); err != nil {
			return err
		}
		log.Printf("[reduce-lr] epoch %05d: reducing learning rate to %g", epoch+1, newLR)
		r.cooldownCounter = r.Cooldown
		r.wait = 0
	}
	return nil
}

func (r *ReduceLROnPlateau) OnTrainEnd(state *State) error {
	return nil
}
