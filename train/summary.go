package train

import (
	"encoding/json"
	"image/color"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	ScalarsFile = "scalars.jsonl"
	LossPlotFile = "loss.png"
	PreviewFile = "img_with_boxes.png"
)

type scalarRecord struct {
	Stage string `json:"stage,omitempty"`
	Epoch int `json:"epoch"`
	Loss float64 `json:"loss"`
	ValLoss *float64 `json:"val_loss,omitempty"`
	LR float64 `json:"lr"`
	Time time.Time `json:"time"`
}

// Writes training summaries to LogDir at each epoch end: the scalars
// (appended to scalars.jsonl), a loss curve, and the preview image with
// the current model's boxes drawn on it.
type Summary struct {
	LogDir string
	Stage string
	// Optional image evaluated after each epoch.
	Preview *pagekit.Image
	Eval backend.EvalOptions

	history []EpochLogs
}

func (s *Summary) OnTrainBegin(state *State) error {
	return os.MkdirAll(s.LogDir, 0755)
}

func (s *Summary) OnEpochEnd(state *State, epoch int, logs EpochLogs) error {
	s.history = append(s.history, logs)

	record := scalarRecord{
		Stage: s.Stage,
		Epoch: epoch + 1,
		Loss: logs.Loss,
		LR: logs.LR,
		Time: time.Now(),
	}
	if valLoss, ok := logs.Get("val_loss"); ok {
		record.ValLoss = &valLoss
	}
	bytes, err := json.Marshal(record)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(s.LogDir, ScalarsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = file.Write(append(bytes, '\n'))
	file.Close()
	if err != nil {
		return err
	}

	// plot and preview failures shouldn't end training
	if err := s.plotLoss(); err != nil {
		log.Printf("[summary] error plotting loss: %v", err)
	}
	if s.Preview != nil {
		if err := s.writePreview(state.Model); err != nil {
			log.Printf("[summary] error writing preview: %v", err)
		}
	}
	return nil
}

func (s *Summary) OnTrainEnd(state *State) error {
	return nil
}

func (s *Summary) plotLoss() error {
	p := plot.New()
	p.Title.Text = "YOLOv3 loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	var train, val plotter.XYs
	for _, logs := range s.history {
		train = append(train, plotter.XY{X: float64(logs.Epoch + 1), Y: logs.Loss})
		if valLoss, ok := logs.Get("val_loss"); ok {
			val = append(val, plotter.XY{X: float64(logs.Epoch + 1), Y: valLoss})
		}
	}
	trainLine, err := plotter.NewLine(train)
	if err != nil {
		return err
	}
	trainLine.Color = color.RGBA{B: 255, A: 255}
	p.Add(trainLine)
	p.Legend.Add("loss", trainLine)
	if len(val) > 0 {
		valLine, err := plotter.NewLine(val)
		if err != nil {
			return err
		}
		valLine.Color = color.RGBA{R: 255, A: 255}
		valLine.LineStyle.Width = vg.Points(1.5)
		p.Add(valLine)
		p.Legend.Add("val_loss", valLine)
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, filepath.Join(s.LogDir, LossPlotFile))
}

func (s *Summary) writePreview(model backend.Model) error {
	detections, err := model.Predict(*s.Preview, s.Eval)
	if err != nil {
		return err
	}
	im := pagekit.DrawDetections(*s.Preview, detections)
	return ioutil.WriteFile(filepath.Join(s.LogDir, PreviewFile), im.AsPNG(), 0644)
}
