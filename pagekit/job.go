package pagekit

import (
	"math"
	"time"
)

type Job struct {
	ID int
	Name string
	// "train" or "segment"
	Type string
	Metadata string
	StartTime time.Time
	State string

	// If the job succeeds, Done=true and Error="".
	// If it fails, then Done=true and Error is set.
	// If Done=false it implies the job is still running.
	Done bool
	Error string
}

// Keeps the latest 1000 lines of job output.
const TailJobOpNumLines int = 1000
type TailJobOp struct {
	Lines []string
	numLines int
}

// Add newly received output lines and return the retained tail.
func (op *TailJobOp) Update(lines []string) []string {
	if op.numLines == 0 {
		op.numLines = TailJobOpNumLines
	}

	// add lines to op.Lines until we exceed numLines
	if len(op.Lines) < op.numLines {
		n := len(lines)
		if n > op.numLines - len(op.Lines) {
			n = op.numLines - len(op.Lines)
		}
		op.Lines = append(op.Lines, lines[0:n]...)
		lines = lines[n:]
	}

	// now that op.Lines is full, add as many as we can
	if len(lines) > op.numLines {
		lines = lines[len(lines)-op.numLines:]
	}
	if len(lines) > 0 {
		// shift to the left
		copy(op.Lines[0:], op.Lines[len(lines):])
		// and then insert
		copy(op.Lines[len(op.Lines)-len(lines):], lines)
	}
	return op.Lines
}

// Per-epoch history of a training job.
type ModelJobState struct {
	Stage string
	Epochs []int
	TrainLoss []float64
	ValLoss []float64
	LearningRate []float64
	Lines []string `json:",omitempty"`
	// Final weights once training finished.
	Weights string `json:",omitempty"`
}

// A NaN valLoss (no validation data) is stored as -1.
func (s *ModelJobState) AddEpoch(epoch int, loss float64, valLoss float64, lr float64) {
	if math.IsNaN(valLoss) {
		valLoss = -1
	}
	s.Epochs = append(s.Epochs, epoch)
	s.TrainLoss = append(s.TrainLoss, loss)
	s.ValLoss = append(s.ValLoss, valLoss)
	s.LearningRate = append(s.LearningRate, lr)
}

// Epoch with the lowest validation loss, or -1 if there is none yet.
func (s ModelJobState) BestEpoch() int {
	best := -1
	for i, v := range s.ValLoss {
		if v < 0 {
			continue
		}
		if best == -1 || v < s.ValLoss[best] {
			best = i
		}
	}
	if best == -1 {
		return -1
	}
	return s.Epochs[best]
}
