package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bookpage/pagekit/pagekit"
)

// In-process stand-in for the worker script.
// handle returns the reply result for one request.
func fakeWorker(t *testing.T, handle func(op string, params json.RawMessage, payload []byte) (interface{}, error)) *session {
	reqRd, reqWr := io.Pipe()
	repRd, repWr := io.Pipe()
	go func() {
		defer repWr.Close()
		rd := bufio.NewReader(reqRd)
		for {
			req, params, payload, err := ReadRequest(rd)
			if err != nil {
				return
			}
			if req.Op == "close" {
				return
			}
			// workers print other output too, which must be skipped
			fmt.Fprintf(repWr, "handling %s\n", req.Op)
			result, err := handle(req.Op, params, payload)
			if err := WriteReply(repWr, result, err); err != nil {
				return
			}
		}
	}()
	abort := func() {
		reqRd.CloseWithError(io.ErrClosedPipe)
		repWr.CloseWithError(io.ErrClosedPipe)
	}
	return newSession("test-worker", reqWr, repRd, nil, abort)
}

func testBatch() pagekit.Batch {
	batch := pagekit.Batch{
		Width: 2,
		Height: 2,
		Images: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Targets: []pagekit.Tensor{pagekit.NewTensor(2, 1, 1, 1, 6)},
	}
	batch.Targets[0].Data[3] = 0.5
	batch.Targets[0].Data[11] = -2
	return batch
}

func TestBatchCodec(t *testing.T) {
	batch := testBatch()
	header, payload := EncodeBatch(batch)
	if header.N != 2 || len(payload) != 8+4*12 {
		t.Fatalf("unexpected header %+v / payload %d bytes", header, len(payload))
	}
	decoded, err := DecodeBatch(header, payload)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if string(decoded.Images) != string(batch.Images) {
		t.Errorf("images differ")
	}
	if decoded.Targets[0].Data[3] != 0.5 || decoded.Targets[0].Data[11] != -2 {
		t.Errorf("targets differ: %v", decoded.Targets[0].Data)
	}

	if _, err := DecodeBatch(header, payload[:20]); err == nil {
		t.Errorf("expected error for short payload")
	}
	if _, err := DecodeBatch(header, append(payload, 0)); err == nil {
		t.Errorf("expected error for trailing bytes")
	}
}

func TestReadReply(t *testing.T) {
	input := "loading weights...\njson {\"Error\":\"\",\"Result\":{\"Loss\":1.5}}\n"
	var res lossResult
	if err := ReadReply(bufio.NewReader(strings.NewReader(input)), "test", &res); err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if res.Loss != 1.5 {
		t.Errorf("Loss = %v; want 1.5", res.Loss)
	}

	input = "json {\"Error\":\"out of memory\"}\n"
	err := ReadReply(bufio.NewReader(strings.NewReader(input)), "test", &res)
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Errorf("got %v; want worker error", err)
	}

	if err := ReadReply(bufio.NewReader(strings.NewReader("no reply\n")), "test", nil); err == nil {
		t.Errorf("expected error on EOF")
	}
}

func TestProcessModel(t *testing.T) {
	var ops []string
	s := fakeWorker(t, func(op string, params json.RawMessage, payload []byte) (interface{}, error) {
		ops = append(ops, op)
		switch op {
		case "build":
			var spec ModelSpec
			if err := json.Unmarshal(params, &spec); err != nil {
				return nil, err
			}
			return buildResult{Layers: 100 + len(spec.Anchors)}, nil
		case "train_batch", "test_batch":
			var header BatchHeader
			if err := json.Unmarshal(params, &header); err != nil {
				return nil, err
			}
			batch, err := DecodeBatch(header, payload)
			if err != nil {
				return nil, err
			}
			sum := 0.0
			for _, b := range batch.Images {
				sum += float64(b)
			}
			return lossResult{Loss: sum}, nil
		case "predict":
			if len(payload) != 4*3 {
				return nil, fmt.Errorf("bad payload size %d", len(payload))
			}
			return evalResult{
				Boxes: [][4]float64{{1, 2, 3, 4}},
				Scores: []float64{0.75},
				Classes: []int{0},
			}, nil
		case "load_weights":
			return nil, fmt.Errorf("no such file")
		}
		return nil, nil
	})

	spec := ModelSpec{Anchors: make(pagekit.Anchors, 9), NumClasses: 3, ModelStruc: "densenet"}
	model, err := buildModel(context.Background(), s, spec)
	if err != nil {
		t.Fatalf("buildModel: %v", err)
	}
	defer model.Close()
	if model.NumLayers() != 109 {
		t.Errorf("NumLayers() = %d; want 109", model.NumLayers())
	}

	if err := model.Compile(1e-3); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if model.LearningRate() != 1e-3 {
		t.Errorf("LearningRate() = %v", model.LearningRate())
	}
	if err := model.SetLearningRate(1e-4); err != nil || model.LearningRate() != 1e-4 {
		t.Errorf("SetLearningRate: %v, lr=%v", err, model.LearningRate())
	}

	loss, err := model.TrainOnBatch(testBatch())
	if err != nil {
		t.Fatalf("TrainOnBatch: %v", err)
	}
	if loss != 36 {
		t.Errorf("loss = %v; want 36", loss)
	}

	detections, err := model.Predict(pagekit.NewImage(3, 4), EvalOptions{Categories: []string{"text_area"}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(detections) != 1 || detections[0].Left != 2 || detections[0].Category != "text_area" {
		t.Errorf("unexpected detections %+v", detections)
	}

	if err := model.LoadWeights("missing.h5", LoadOptions{ByName: true}); err == nil {
		t.Errorf("expected worker error to propagate")
	}
	if err := model.Freeze(1000); err == nil {
		t.Errorf("expected error freezing more layers than exist")
	}

	if err := model.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := model.TrainOnBatch(testBatch()); err == nil {
		t.Errorf("expected error after Close")
	}

	expected := "build compile set_lr train_batch predict load_weights"
	if strings.Join(ops, " ") != expected {
		t.Errorf("ops = %v; want %s", ops, expected)
	}
}

func TestBuildCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := fakeWorker(t, func(op string, params json.RawMessage, payload []byte) (interface{}, error) {
		<- block
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := buildModel(ctx, s, ModelSpec{}); err == nil {
		t.Fatalf("expected error from cancelled build")
	}
}

func TestProcessSegmenter(t *testing.T) {
	s := fakeWorker(t, func(op string, params json.RawMessage, payload []byte) (interface{}, error) {
		switch op {
		case "build_segment":
			var spec SegmentSpec
			json.Unmarshal(params, &spec)
			if spec.Task != "book_page" {
				return nil, fmt.Errorf("unknown task %s", spec.Task)
			}
			return nil, nil
		case "segment":
			var p struct{ Width, Height int }
			json.Unmarshal(params, &p)
			return struct{ Splits []int }{[]int{p.Width / 2}}, nil
		}
		return nil, fmt.Errorf("unexpected op %s", op)
	})
	seg, err := buildSegmenter(context.Background(), s, SegmentSpec{Task: "book_page"})
	if err != nil {
		t.Fatalf("buildSegmenter: %v", err)
	}
	defer seg.Close()
	splits, err := seg.Segment(pagekit.NewImage(100, 40))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(splits) != 1 || splits[0] != 50 {
		t.Errorf("splits = %v; want [50]", splits)
	}
}

func TestCommandError(t *testing.T) {
	cmd, err := Command("test-worker", CommandOptions{Env: []string{"MSG=boom"}}, "sh", "-c", "echo starting >&2; echo $MSG >&2; exit 3")
	if err != nil {
		t.Fatal(err)
	}
	err = cmd.Wait()
	cmdErr, ok := err.(CmdError)
	if !ok {
		t.Fatalf("Wait() = %v; want CmdError", err)
	}
	if strings.Join(cmdErr.Lines, ",") != "starting,boom" {
		t.Errorf("stderr lines = %v", cmdErr.Lines)
	}
	if cmd.Wait() != nil {
		t.Errorf("second Wait() returned an error")
	}
}
