package pagekit

import (
	"fmt"
	"path/filepath"
)

// Hyperparameters for one stage of the training schedule.
type StageConfig struct {
	LearningRate float64
	Epochs int
	InitialEpoch int
	StepsPerEpoch int
	ValidationSteps int
}

type Config struct {
	// Annotation file listing images and their boxes.
	TagsFile string
	AnchorsFile string
	// Box classes on book pages. Index in this list is the class ID in the tags file.
	BoxClasses []string

	CkptDir string
	LogsDir string

	ValidationSplit float64
	BatchSize int
	// Width and height that training images are letterboxed to.
	InputSize [2]int

	ClassScoreThresh float64
	NMSIouThresh float64
	NMSMaxBoxes int

	// Frozen-body stage, only run when the body is frozen.
	Stage1 StageConfig
	// Full training stage.
	Stage2 StageConfig
	ReduceLRFactor float64
	ReduceLRPatience int
	EarlyStopPatience int

	// Command used to start a framework worker session.
	Python string
	DetectionWorker string
	SegmentWorker string

	// Where segmentation results go if a request doesn't say.
	SegmentDestDir string
}

func DefaultConfig() Config {
	return Config{
		TagsFile: "data/book_pages/book_page_tags.txt",
		AnchorsFile: "data/yolo3_anchors.txt",
		BoxClasses: []string{"text_area", "big_char", "small_char"},
		CkptDir: "run/yolo3/ckpt",
		LogsDir: "run/yolo3/logs",
		ValidationSplit: 0.1,
		BatchSize: 4,
		InputSize: [2]int{416, 416},
		ClassScoreThresh: 0.5,
		NMSIouThresh: 0.5,
		NMSMaxBoxes: 50,
		Stage1: StageConfig{
			LearningRate: 1e-3,
			Epochs: 1,
			InitialEpoch: 0,
			StepsPerEpoch: 1000,
			ValidationSteps: 50,
		},
		Stage2: StageConfig{
			LearningRate: 1e-4,
			Epochs: 300,
			InitialEpoch: 50,
			StepsPerEpoch: 1000,
			ValidationSteps: 50,
		},
		ReduceLRFactor: 0.1,
		ReduceLRPatience: 8,
		EarlyStopPatience: 10,
		Python: "python3",
		DetectionWorker: "python/detection_yolo3/worker.py",
		SegmentWorker: "python/segment_base/worker.py",
		SegmentDestDir: "run/segment",
	}
}

// Load config from a JSON file. Fields missing from the file keep their defaults.
func LoadConfig(fname string) (Config, error) {
	cfg := DefaultConfig()
	if fname == "" {
		return cfg, nil
	}
	if err := ReadJSONFile(fname, &cfg); err != nil {
		return cfg, err
	}
	// relative paths in the config file are relative to the file itself
	base := filepath.Dir(fname)
	for _, ptr := range []*string{&cfg.TagsFile, &cfg.AnchorsFile, &cfg.CkptDir, &cfg.LogsDir, &cfg.SegmentDestDir} {
		if *ptr != "" && !filepath.IsAbs(*ptr) {
			*ptr = filepath.Join(base, *ptr)
		}
	}
	return cfg, cfg.Validate()
}

func (cfg Config) Validate() error {
	if len(cfg.BoxClasses) == 0 {
		return fmt.Errorf("no box classes configured")
	}
	if cfg.InputSize[0] <= 0 || cfg.InputSize[1] <= 0 || cfg.InputSize[0]%32 != 0 || cfg.InputSize[1]%32 != 0 {
		return fmt.Errorf("input size %v must be positive multiples of 32", cfg.InputSize)
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return fmt.Errorf("validation split %v must be in [0, 1)", cfg.ValidationSplit)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	for _, stage := range []StageConfig{cfg.Stage1, cfg.Stage2} {
		if stage.LearningRate <= 0 {
			return fmt.Errorf("learning rate must be positive")
		}
		if stage.StepsPerEpoch <= 0 {
			return fmt.Errorf("steps per epoch must be positive")
		}
	}
	return nil
}

func (cfg Config) NumClasses() int {
	return len(cfg.BoxClasses)
}
