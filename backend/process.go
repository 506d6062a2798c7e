package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/bookpage/pagekit/pagekit"

	"github.com/pkg/errors"
)

// Starts one worker process per session: Python Script [Args...].
// The worker reads requests on stdin and writes replies on stdout.
type ProcessBuilder struct {
	Python string
	Script string
	Args []string
	// Working directory of the worker, defaults to ours.
	Dir string
}

// Request/reply channel to one worker. Calls are serialized.
type session struct {
	prefix string
	mu sync.Mutex
	stdin io.WriteCloser
	rd *bufio.Reader
	close func() error
	// Unblocks a pending call; must not take mu.
	abort func()
	closed bool
}

func newSession(prefix string, stdin io.WriteCloser, stdout io.Reader, close func() error, abort func()) *session {
	return &session{
		prefix: prefix,
		stdin: stdin,
		rd: bufio.NewReader(stdout),
		close: close,
		abort: abort,
	}
}

func (s *session) call(op string, params interface{}, payload []byte, res interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("%s: session closed", op)
	}
	if err := WriteRequest(s.stdin, op, params, payload); err != nil {
		return err
	}
	if err := ReadReply(s.rd, s.prefix, res); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (s *session) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// best effort: ask the worker to exit before closing its stdin
	WriteRequest(s.stdin, "close", nil, nil)
	s.stdin.Close()
	if s.close != nil {
		return s.close()
	}
	return nil
}

func (b ProcessBuilder) start(prefix string) (*session, error) {
	python := b.Python
	if python == "" {
		python = "python3"
	}
	args := append([]string{b.Script}, b.Args...)
	// replies are read line by line, so the worker must not buffer stdout
	cmd, err := Command(prefix, CommandOptions{
		Env: []string{"PYTHONUNBUFFERED=1"},
		Dir: b.Dir,
		StderrLines: 10,
	}, python, args...)
	if err != nil {
		return nil, err
	}
	abort := func() {
		cmd.Kill()
	}
	return newSession(prefix, cmd.Stdin(), cmd.Stdout(), cmd.Wait, abort), nil
}

// Run f, aborting the session if ctx is done first.
func withContext(ctx context.Context, s *session, f func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <- ctx.Done():
			if s.abort != nil {
				s.abort()
			}
		case <- done:
		}
	}()
	err := f()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

type buildResult struct {
	Layers int
}

func (b ProcessBuilder) Build(ctx context.Context, spec ModelSpec) (Model, error) {
	s, err := b.start("yolo3-worker")
	if err != nil {
		return nil, err
	}
	return buildModel(ctx, s, spec)
}

func buildModel(ctx context.Context, s *session, spec ModelSpec) (Model, error) {
	var res buildResult
	err := withContext(ctx, s, func() error {
		return s.call("build", spec, nil, &res)
	})
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("error building model: %v", err)
	}
	log.Printf("[backend] built %s model with %d layers", spec.ModelStruc, res.Layers)
	return &ProcessModel{s: s, layers: res.Layers}, nil
}

type ProcessModel struct {
	s *session
	layers int

	mu sync.Mutex
	lr float64
}

func (m *ProcessModel) NumLayers() int {
	return m.layers
}

func (m *ProcessModel) LoadWeights(path string, opts LoadOptions) error {
	params := struct {
		Path string
		LoadOptions
	}{path, opts}
	return m.s.call("load_weights", params, nil, nil)
}

func (m *ProcessModel) Freeze(n int) error {
	if n < 0 || n > m.layers {
		return errors.Errorf("cannot freeze %d of %d layers", n, m.layers)
	}
	return m.s.call("freeze", struct{ Count int }{n}, nil, nil)
}

func (m *ProcessModel) Compile(lr float64) error {
	if err := m.s.call("compile", struct{ LearningRate float64 }{lr}, nil, nil); err != nil {
		return err
	}
	m.mu.Lock()
	m.lr = lr
	m.mu.Unlock()
	return nil
}

func (m *ProcessModel) SetLearningRate(lr float64) error {
	if err := m.s.call("set_lr", struct{ LearningRate float64 }{lr}, nil, nil); err != nil {
		return err
	}
	m.mu.Lock()
	m.lr = lr
	m.mu.Unlock()
	return nil
}

func (m *ProcessModel) LearningRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lr
}

type lossResult struct {
	Loss float64
}

func (m *ProcessModel) batchOp(op string, batch pagekit.Batch) (float64, error) {
	header, payload := EncodeBatch(batch)
	var res lossResult
	if err := m.s.call(op, header, payload, &res); err != nil {
		return 0, err
	}
	return res.Loss, nil
}

func (m *ProcessModel) TrainOnBatch(batch pagekit.Batch) (float64, error) {
	return m.batchOp("train_batch", batch)
}

func (m *ProcessModel) TestOnBatch(batch pagekit.Batch) (float64, error) {
	return m.batchOp("test_batch", batch)
}

type evalResult struct {
	// (top, left, bottom, right)
	Boxes [][4]float64
	Scores []float64
	Classes []int
}

func (m *ProcessModel) Predict(im pagekit.Image, opts EvalOptions) ([]pagekit.Detection, error) {
	params := struct {
		Width int
		Height int
		EvalOptions
	}{im.Width, im.Height, opts}
	var res evalResult
	if err := m.s.call("predict", params, im.Gray(), &res); err != nil {
		return nil, err
	}
	return pagekit.DetectionsFromEval(res.Boxes, res.Scores, res.Classes, opts.Categories)
}

func (m *ProcessModel) SaveWeights(path string) error {
	return m.s.call("save_weights", struct{ Path string }{path}, nil, nil)
}

func (m *ProcessModel) Summary() ([]string, error) {
	var res struct {
		Lines []string
	}
	if err := m.s.call("summary", nil, nil, &res); err != nil {
		return nil, err
	}
	return res.Lines, nil
}

func (m *ProcessModel) Close() error {
	return m.s.shutdown()
}

func (b ProcessBuilder) BuildSegmenter(ctx context.Context, spec SegmentSpec) (Segmenter, error) {
	s, err := b.start("segment-worker")
	if err != nil {
		return nil, err
	}
	return buildSegmenter(ctx, s, spec)
}

func buildSegmenter(ctx context.Context, s *session, spec SegmentSpec) (Segmenter, error) {
	err := withContext(ctx, s, func() error {
		return s.call("build_segment", spec, nil, nil)
	})
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("error building segmentation model: %v", err)
	}
	return &ProcessSegmenter{s: s}, nil
}

type ProcessSegmenter struct {
	s *session
}

func (p *ProcessSegmenter) Segment(im pagekit.Image) ([]int, error) {
	params := struct {
		Width int
		Height int
		Channels int
	}{im.Width, im.Height, 3}
	var res struct {
		Splits []int
	}
	if err := p.s.call("segment", params, im.Bytes, &res); err != nil {
		return nil, err
	}
	return res.Splits, nil
}

func (p *ProcessSegmenter) Close() error {
	return p.s.shutdown()
}
