package train

import (
	"context"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"
)

type fakeModel struct {
	layers int
	lr float64
	frozen int
	// Losses returned by successive TestOnBatch calls; the last one repeats.
	valLosses []float64
	valCalls int
	ops []string
	saved []string
	loaded []string
	closed bool
	// Write a placeholder file on SaveWeights.
	writeFiles bool
}

func (m *fakeModel) NumLayers() int {
	return m.layers
}

func (m *fakeModel) LoadWeights(path string, opts backend.LoadOptions) error {
	m.ops = append(m.ops, "load_weights")
	m.loaded = append(m.loaded, path)
	return nil
}

func (m *fakeModel) Freeze(n int) error {
	m.ops = append(m.ops, fmt.Sprintf("freeze %d", n))
	m.frozen = n
	return nil
}

func (m *fakeModel) Compile(lr float64) error {
	m.ops = append(m.ops, fmt.Sprintf("compile %g", lr))
	m.lr = lr
	return nil
}

func (m *fakeModel) SetLearningRate(lr float64) error {
	m.lr = lr
	return nil
}

func (m *fakeModel) LearningRate() float64 {
	return m.lr
}

func (m *fakeModel) TrainOnBatch(batch pagekit.Batch) (float64, error) {
	return 2, nil
}

func (m *fakeModel) TestOnBatch(batch pagekit.Batch) (float64, error) {
	if len(m.valLosses) == 0 {
		return 1, nil
	}
	i := m.valCalls
	if i >= len(m.valLosses) {
		i = len(m.valLosses) - 1
	}
	m.valCalls++
	return m.valLosses[i], nil
}

func (m *fakeModel) Predict(im pagekit.Image, opts backend.EvalOptions) ([]pagekit.Detection, error) {
	return []pagekit.Detection{{Left: 1, Top: 1, Right: 10, Bottom: 10, Class: 0, Category: "text_area", Score: 0.9}}, nil
}

func (m *fakeModel) SaveWeights(path string) error {
	m.ops = append(m.ops, "save "+filepath.Base(path))
	m.saved = append(m.saved, path)
	if m.writeFiles {
		return ioutil.WriteFile(path, []byte("weights"), 0644)
	}
	return nil
}

func (m *fakeModel) Summary() ([]string, error) {
	return []string{"Total params: 1"}, nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

type fakeBuilder struct {
	model *fakeModel
	spec backend.ModelSpec
}

func (b *fakeBuilder) Build(ctx context.Context, spec backend.ModelSpec) (backend.Model, error) {
	b.spec = spec
	return b.model, nil
}

type fakeSource struct {
	calls int
}

func (s *fakeSource) Next(ctx context.Context) (pagekit.Batch, error) {
	s.calls++
	return pagekit.Batch{
		Width: 32,
		Height: 32,
		Images: make([]byte, 32*32),
	}, nil
}

func TestCheckpoint(t *testing.T) {
	dir, err := ioutil.TempDir("", "checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	model := &fakeModel{}
	state := &State{Model: model}
	cp := NewCheckpoint(filepath.Join(dir, CheckpointTemplate))
	for epoch, valLoss := range []float64{1, 0.5, 0.7, 0.25} {
		if err := cp.OnEpochEnd(state, epoch, EpochLogs{Epoch: epoch, Loss: 2, ValLoss: valLoss}); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{
		"ep00001-loss2.000-val_loss1.000.h5",
		"ep00002-loss2.000-val_loss0.500.h5",
		"ep00004-loss2.000-val_loss0.250.h5",
	}
	if len(cp.Saved) != len(want) {
		t.Fatalf("saved %v; want %v", cp.Saved, want)
	}
	for i := range want {
		if filepath.Base(cp.Saved[i]) != want[i] {
			t.Errorf("saved[%d] = %s; want %s", i, filepath.Base(cp.Saved[i]), want[i])
		}
	}
	if cp.Best() != 0.25 {
		t.Errorf("best = %v; want 0.25", cp.Best())
	}

	// no val_loss: nothing saved
	if err := cp.OnEpochEnd(state, 4, EpochLogs{Loss: 1, ValLoss: math.NaN()}); err != nil {
		t.Fatal(err)
	}
	if len(cp.Saved) != 3 {
		t.Errorf("saved without val_loss")
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	model := &fakeModel{lr: 1}
	state := &State{Model: model}
	r := NewReduceLROnPlateau(0.1, 2)
	r.OnTrainBegin(state)
	check := func(epoch int, valLoss float64, wantLR float64) {
		t.Helper()
		if err := r.OnEpochEnd(state, epoch, EpochLogs{ValLoss: valLoss}); err != nil {
			t.Fatal(err)
		}
		if math.Abs(model.lr - wantLR) > 1e-12 {
			t.Errorf("epoch %d: lr = %v; want %v", epoch, model.lr, wantLR)
		}
	}
	check(0, 1, 1)
	check(1, 1, 1)
	check(2, 0.99995, 0.1)
	check(3, 0.5, 0.1)
	check(4, 0.6, 0.1)
	check(5, 0.6, 0.01)
}

func TestReduceLRAfterCooldown(t *testing.T) {
	model := &fakeModel{lr: 1}
	state := &State{Model: model}
	r := NewReduceLROnPlateau(0.1, 1)
	r.Cooldown = 1
	r.OnTrainBegin(state)
	for epoch, wantLR := range []float64{1, 0.1, 0.01} {
		if err := r.OnEpochEnd(state, epoch, EpochLogs{ValLoss: 1}); err != nil {
			t.Fatal(err)
		}
		if math.Abs(model.lr - wantLR) > 1e-12 {
			t.Errorf("epoch %d: lr = %v; want %v", epoch, model.lr, wantLR)
		}
	}
}

func TestEarlyStopping(t *testing.T) {
	model := &fakeModel{}
	state := &State{Model: model}
	e := NewEarlyStopping(2, "/tmp/best.h5")
	e.OnTrainBegin(state)
	for epoch, valLoss := range []float64{1, 0.5, 0.6} {
		e.OnEpochEnd(state, epoch, EpochLogs{ValLoss: valLoss})
		if state.StopTraining {
			t.Fatalf("stopped at epoch %d", epoch)
		}
	}
	e.OnEpochEnd(state, 3, EpochLogs{ValLoss: 0.7})
	if !state.StopTraining {
		t.Fatalf("did not stop")
	}
	if e.StoppedEpoch != 3 {
		t.Errorf("stopped epoch = %d; want 3", e.StoppedEpoch)
	}
	if len(model.saved) != 2 {
		t.Errorf("saved best weights %d times; want 2", len(model.saved))
	}
	if len(model.loaded) != 1 || model.loaded[0] != "/tmp/best.h5" {
		t.Errorf("loaded %v; want best weights restored", model.loaded)
	}
}

func TestFit(t *testing.T) {
	model := &fakeModel{lr: 0.5, valLosses: []float64{3, 1}}
	train := &fakeSource{}
	val := &fakeSource{}
	var epochs []int
	progress := ProgressFunc(func(epoch int, logs EpochLogs) {
		epochs = append(epochs, epoch)
	})
	params := FitParams{Epochs: 4, InitialEpoch: 1, StepsPerEpoch: 3, ValidationSteps: 2}
	history, err := Fit(context.Background(), model, params, train, val, []Callback{progress})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d epochs; want 3", len(history))
	}
	if fmt.Sprint(epochs) != "[1 2 3]" {
		t.Errorf("progress epochs = %v", epochs)
	}
	if train.calls != 9 || val.calls != 6 {
		t.Errorf("train calls = %d, val calls = %d; want 9, 6", train.calls, val.calls)
	}
	if history[0].Loss != 2 || history[0].ValLoss != 2 || history[1].ValLoss != 1 {
		t.Errorf("history = %+v", history)
	}
	if history[0].LR != 0.5 {
		t.Errorf("lr = %v; want 0.5", history[0].LR)
	}

	// without validation data, val_loss is unavailable
	history, err = Fit(context.Background(), model, FitParams{Epochs: 1, StepsPerEpoch: 1, ValidationSteps: 5}, train, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := history[0].Get("val_loss"); ok {
		t.Errorf("val_loss available without validation data")
	}
}

type stopAfter int

func (s stopAfter) OnTrainBegin(state *State) error { return nil }
func (s stopAfter) OnTrainEnd(state *State) error { return nil }
func (s stopAfter) OnEpochEnd(state *State, epoch int, logs EpochLogs) error {
	if epoch+1 >= int(s) {
		state.StopTraining = true
	}
	return nil
}

func TestFitStopTraining(t *testing.T) {
	model := &fakeModel{}
	history, err := Fit(context.Background(), model, FitParams{Epochs: 10, StepsPerEpoch: 1}, &fakeSource{}, nil, []Callback{stopAfter(3)})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("trained %d epochs; want 3", len(history))
	}
}

func TestCreateModel(t *testing.T) {
	anchors, _ := pagekit.ParseAnchors("1,1, 2,2, 3,3, 4,4, 5,5, 6,6, 7,7, 8,8, 9,9")
	model := &fakeModel{layers: 250}
	builder := &fakeBuilder{model: model}
	_, err := CreateModel(context.Background(), builder, ModelParams{
		Anchors: anchors,
		NumClasses: 3,
		ModelStruc: "densenet",
		LoadPretrained: true,
		WeightsPath: "pretrained.h5",
		FreezeBody: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if builder.spec.NumClasses != 3 || builder.spec.InputChannels != 1 || builder.spec.ModelStruc != "densenet" {
		t.Errorf("spec = %+v", builder.spec)
	}
	if strings.Join(model.ops, ",") != "load_weights,freeze 198" {
		t.Errorf("ops = %v", model.ops)
	}

	// without pretrained weights nothing is loaded or frozen
	model = &fakeModel{layers: 250}
	CreateModel(context.Background(), &fakeBuilder{model: model}, ModelParams{Anchors: anchors, NumClasses: 3, FreezeBody: true})
	if len(model.ops) != 0 {
		t.Errorf("ops = %v; want none", model.ops)
	}
}

func testConfig(t *testing.T, dir string) pagekit.Config {
	anchorsFile := filepath.Join(dir, "anchors.txt")
	if err := ioutil.WriteFile(anchorsFile, []byte("1,1, 2,2, 3,3, 4,4, 5,5, 6,6, 7,7, 8,8, 9,9"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := pagekit.DefaultConfig()
	cfg.AnchorsFile = anchorsFile
	cfg.CkptDir = filepath.Join(dir, "ckpt")
	cfg.LogsDir = filepath.Join(dir, "logs")
	cfg.Stage1 = pagekit.StageConfig{LearningRate: 1e-3, Epochs: 1, InitialEpoch: 0, StepsPerEpoch: 2, ValidationSteps: 1}
	cfg.Stage2 = pagekit.StageConfig{LearningRate: 1e-4, Epochs: 5, InitialEpoch: 2, StepsPerEpoch: 2, ValidationSteps: 1}
	return cfg
}

func TestTrainTwoStages(t *testing.T) {
	dir, err := ioutil.TempDir("", "train")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	cfg := testConfig(t, dir)
	pretrained := filepath.Join(dir, "pretrained.h5")
	if err := ioutil.WriteFile(pretrained, []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}

	model := &fakeModel{layers: 100, valLosses: []float64{4, 3, 2, 1}}
	var stages []string
	trainer := &Trainer{
		Config: cfg,
		Builder: &fakeBuilder{model: model},
		Data: func(cfg pagekit.Config, params TrainParams, anchors pagekit.Anchors) (BatchSource, BatchSource, error) {
			return &fakeSource{}, &fakeSource{}, nil
		},
		Progress: func(stage string, epoch int, logs EpochLogs) {
			stages = append(stages, fmt.Sprintf("%s:%d", stage, epoch))
		},
	}
	result, err := trainer.Train(context.Background(), TrainParams{PretrainedPath: pretrained, FreezeBody: true})
	if err != nil {
		t.Fatal(err)
	}
	if !model.closed {
		t.Errorf("model not closed")
	}
	if fmt.Sprint(stages) != "[stage1:0 stage2:2 stage2:3 stage2:4]" {
		t.Errorf("progress = %v", stages)
	}

	want := []string{
		"load_weights", "freeze 48",
		"compile 0.001", "save ep00001-loss2.000-val_loss4.000.h5", "save " + Stage1WeightsFile,
		"freeze 0", "compile 0.0001",
	}
	for i, op := range want {
		if i >= len(model.ops) || model.ops[i] != op {
			t.Fatalf("ops = %v; want prefix %v", model.ops, want)
		}
	}
	if last := model.ops[len(model.ops)-1]; last != "save "+FinalWeightsFile {
		t.Errorf("last op = %s", last)
	}
	if filepath.Base(result.FinalWeights) != FinalWeightsFile || filepath.Base(result.Stage1Weights) != Stage1WeightsFile {
		t.Errorf("result = %+v", result)
	}
	if len(result.Checkpoints) != 4 || len(result.History) != 4 {
		t.Errorf("got %d checkpoints, %d epochs; want 4, 4", len(result.Checkpoints), len(result.History))
	}
	for _, fname := range []string{ScalarsFile, LossPlotFile, PreviewFile} {
		if !pagekit.FileExists(filepath.Join(cfg.LogsDir, fname)) {
			t.Errorf("missing %s", fname)
		}
	}
}

func TestTrainWithoutFreeze(t *testing.T) {
	dir, err := ioutil.TempDir("", "train")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	cfg := testConfig(t, dir)

	model := &fakeModel{layers: 100}
	trainer := &Trainer{
		Config: cfg,
		Builder: &fakeBuilder{model: model},
		Data: func(cfg pagekit.Config, params TrainParams, anchors pagekit.Anchors) (BatchSource, BatchSource, error) {
			return &fakeSource{}, nil, nil
		},
	}
	// missing pretrained file is skipped
	result, err := trainer.Train(context.Background(), TrainParams{PretrainedPath: filepath.Join(dir, "missing.h5")})
	if err != nil {
		t.Fatal(err)
	}
	if result.Stage1Weights != "" {
		t.Errorf("stage 1 ran without freezing")
	}
	if model.ops[0] != "freeze 0" || model.ops[1] != "compile 0.0001" {
		t.Errorf("ops = %v", model.ops)
	}
	if len(result.History) != 3 {
		t.Errorf("trained %d epochs; want 3", len(result.History))
	}
}

func TestFitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, &fakeModel{}, FitParams{Epochs: 1, StepsPerEpoch: 1}, &fakeSource{}, nil, nil)
	if err != context.Canceled {
		t.Errorf("err = %v; want context.Canceled", err)
	}
}

func TestCheckpointBestAcrossStages(t *testing.T) {
	dir, err := ioutil.TempDir("", "train")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	cfg := testConfig(t, dir)
	pretrained := filepath.Join(dir, "pretrained.h5")
	if err := ioutil.WriteFile(pretrained, []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}

	// stage 2 starts above the stage 1 best
	model := &fakeModel{layers: 100, valLosses: []float64{2, 3, 1}}
	trainer := &Trainer{
		Config: cfg,
		Builder: &fakeBuilder{model: model},
		Data: func(cfg pagekit.Config, params TrainParams, anchors pagekit.Anchors) (BatchSource, BatchSource, error) {
			return &fakeSource{}, &fakeSource{}, nil
		},
	}
	result, err := trainer.Train(context.Background(), TrainParams{PretrainedPath: pretrained, FreezeBody: true})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, path := range result.Checkpoints {
		names = append(names, filepath.Base(path))
	}
	want := "[ep00001-loss2.000-val_loss2.000.h5 ep00004-loss2.000-val_loss1.000.h5]"
	if fmt.Sprint(names) != want {
		t.Errorf("checkpoints = %v; want %v", names, want)
	}
	for _, name := range names {
		if strings.HasPrefix(name, "ep00003-") {
			t.Errorf("saved checkpoint %s that did not improve on stage 1", name)
		}
	}
}

type cancelSource struct {
	cancel context.CancelFunc
	after int
	calls int
}

func (s *cancelSource) Next(ctx context.Context) (pagekit.Batch, error) {
	s.calls++
	if s.calls == s.after {
		s.cancel()
	}
	return pagekit.Batch{Width: 32, Height: 32, Images: make([]byte, 32*32)}, nil
}

func TestFitCancelledRemovesBestWeights(t *testing.T) {
	dir, err := ioutil.TempDir("", "fit")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	bestPath := filepath.Join(dir, ".early_stopping_best.h5")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &fakeModel{writeFiles: true, valLosses: []float64{1}}
	train := &cancelSource{cancel: cancel, after: 3}
	early := NewEarlyStopping(5, bestPath)
	params := FitParams{Epochs: 3, StepsPerEpoch: 2, ValidationSteps: 1}
	history, err := Fit(ctx, model, params, train, &fakeSource{}, []Callback{early})
	if err != context.Canceled {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if len(history) != 1 {
		t.Errorf("got %d epochs before cancel; want 1", len(history))
	}
	if len(model.saved) != 1 {
		t.Fatalf("saved best weights %d times; want 1", len(model.saved))
	}
	if pagekit.FileExists(bestPath) {
		t.Errorf("best weights file left behind after cancel")
	}
}
