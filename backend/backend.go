package backend

import (
	"context"

	"github.com/bookpage/pagekit/pagekit"
)

// What to build in a fresh framework session.
type ModelSpec struct {
	Anchors pagekit.Anchors
	NumClasses int
	// Body structure, e.g. "densenet" or "darknet53".
	ModelStruc string
	// Input channels of the image input; pages are fed as grayscale.
	InputChannels int
	// IoU above which a prediction is ignored in the loss.
	IgnoreThresh float64
}

type LoadOptions struct {
	ByName bool
	SkipMismatch bool
}

// Parameters of the box-evaluation step (score filter and non-max suppression).
type EvalOptions struct {
	ScoreThresh float64
	IouThresh float64
	MaxBoxes int
	Categories []string
}

// A YOLOv3 training model living in a framework session.
// Its output is the loss, so TrainOnBatch and TestOnBatch return the batch loss.
type Model interface {
	NumLayers() int
	LoadWeights(path string, opts LoadOptions) error
	// Make the first n layers untrainable and the rest trainable.
	Freeze(n int) error
	Compile(lr float64) error
	SetLearningRate(lr float64) error
	LearningRate() float64
	TrainOnBatch(batch pagekit.Batch) (float64, error)
	TestOnBatch(batch pagekit.Batch) (float64, error)
	Predict(im pagekit.Image, opts EvalOptions) ([]pagekit.Detection, error)
	SaveWeights(path string) error
	Summary() ([]string, error)
	Close() error
}

type Builder interface {
	// Start a new session and build the model in it.
	Build(ctx context.Context, spec ModelSpec) (Model, error)
}

type SegmentSpec struct {
	// e.g. "book_page"
	Task string
	// "vertical" or "horizontal"
	TextType string
	ModelStruc string
	// Empty to use the worker's default weights.
	Weights string
}

// Split positions found on one image: x coordinates for vertical text,
// y coordinates for horizontal text.
type Segmenter interface {
	Segment(im pagekit.Image) ([]int, error)
	Close() error
}

type SegmenterBuilder interface {
	BuildSegmenter(ctx context.Context, spec SegmentSpec) (Segmenter, error)
}
