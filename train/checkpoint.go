package train

import (
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/bookpage/pagekit/pagekit"
)

const CheckpointTemplate = "ep{epoch:05d}-loss{loss:.3f}-val_loss{val_loss:.3f}.h5"

// Saves model weights at epoch ends. With SaveBestOnly, only when the
// monitored value is lower than every value seen so far.
// The best value is kept across fits, so one Checkpoint can serve several stages.
type Checkpoint struct {
	// Path template, see pagekit.FormatTemplate. The epoch is 1-based.
	Filepath string
	Monitor string
	SaveBestOnly bool
	Period int

	best float64
	epochsSinceLastSave int
	// Paths written so far.
	Saved []string
}

func NewCheckpoint(fname string) *Checkpoint {
	return &Checkpoint{
		Filepath: fname,
		Monitor: "val_loss",
		SaveBestOnly: true,
		Period: 1,
		best: math.Inf(1),
	}
}

func (c *Checkpoint) Best() float64 {
	return c.best
}

func (c *Checkpoint) OnTrainBegin(state *State) error {
	return nil
}

func (c *Checkpoint) OnEpochEnd(state *State, epoch int, logs EpochLogs) error {
	c.epochsSinceLastSave++
	if c.epochsSinceLastSave < c.Period {
		return nil
	}
	c.epochsSinceLastSave = 0

	values := map[string]float64{
		"epoch": float64(epoch + 1),
		"loss": logs.Loss,
		"val_loss": logs.ValLoss,
		"lr": logs.LR,
	}
	fname, err := pagekit.FormatTemplate(c.Filepath, values)
	if err != nil {
		return err
	}

	if c.SaveBestOnly {
		current, ok := logs.Get(c.Monitor)
		if !ok {
			log.Printf("[checkpoint] can save best model only with %s available, skipping", c.Monitor)
			return nil
		}
		if !(current < c.best) {
			log.Printf("[checkpoint] epoch %05d: %s did not improve from %.5f", epoch+1, c.Monitor, c.best)
			return nil
		}
		log.Printf("[checkpoint] epoch %05d: %s improved from %.5f to %.5f, saving model to %s", epoch+1, c.Monitor, c.best, current, fname)
		c.best = current
	} else {
		log.Printf("[checkpoint] epoch %05d: saving model to %s", epoch+1, fname)
	}

	if err := os.MkdirAll(filepath.Dir(fname), 0755); err != nil {
		return err
	}
	if err := state.Model.SaveWeights(fname); err != nil {
		return err
	}
	c.Saved = append(c.Saved, fname)
	return nil
}

func (c *Checkpoint) OnTrainEnd(state *State) error {
	return nil
}
