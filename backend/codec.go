package backend

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"math"
	"strings"

	"github.com/bookpage/pagekit/pagekit"

	"github.com/pkg/errors"
)

// Prefix of worker stdout lines that carry a reply.
// Every other line is treated as worker log output.
const ReplySignature = "json "

// Header line sent before an optional binary payload.
type Request struct {
	Op string
	Params interface{} `json:",omitempty"`
	PayloadSize int `json:",omitempty"`
}

type Reply struct {
	Error string
	Result json.RawMessage
}

// Shape of a batch payload.
type BatchHeader struct {
	N int
	Width int
	Height int
	TargetShapes [][]int
}

func WriteRequest(w io.Writer, op string, params interface{}, payload []byte) error {
	req := Request{
		Op: op,
		Params: params,
		PayloadSize: len(payload),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return errors.Wrapf(err, "write %s request", op)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrapf(err, "write %s payload", op)
		}
	}
	return nil
}

func ReadRequest(rd *bufio.Reader) (Request, json.RawMessage, []byte, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return Request{}, nil, nil, err
	}
	var req struct {
		Op string
		Params json.RawMessage
		PayloadSize int
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return Request{}, nil, nil, errors.Wrap(err, "decode request")
	}
	payload := make([]byte, req.PayloadSize)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return Request{}, nil, nil, errors.Wrap(err, "read payload")
	}
	return Request{Op: req.Op, PayloadSize: req.PayloadSize}, req.Params, payload, nil
}

// Read lines until a reply, logging the rest, then decode its result into res.
func ReadReply(rd *bufio.Reader, prefix string, res interface{}) error {
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "read reply")
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, ReplySignature) {
			log.Printf("[%s] %s", prefix, line)
			continue
		}
		var reply Reply
		if err := json.Unmarshal([]byte(line[len(ReplySignature):]), &reply); err != nil {
			return errors.Wrap(err, "decode reply")
		}
		if reply.Error != "" {
			return errors.New(reply.Error)
		}
		if res != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, res); err != nil {
				return errors.Wrap(err, "decode reply result")
			}
		}
		return nil
	}
}

func WriteReply(w io.Writer, result interface{}, replyErr error) error {
	var reply Reply
	if replyErr != nil {
		reply.Error = replyErr.Error()
	} else if result != nil {
		bytes, err := json.Marshal(result)
		if err != nil {
			return err
		}
		reply.Result = bytes
	}
	bytes, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(ReplySignature + string(bytes) + "\n"))
	return err
}

// Batch payload: image bytes, then each target tensor as little-endian float32.
func EncodeBatch(batch pagekit.Batch) (BatchHeader, []byte) {
	header := BatchHeader{
		N: batch.Size(),
		Width: batch.Width,
		Height: batch.Height,
	}
	size := len(batch.Images)
	for _, t := range batch.Targets {
		header.TargetShapes = append(header.TargetShapes, t.Shape)
		size += 4 * len(t.Data)
	}
	payload := make([]byte, size)
	copy(payload, batch.Images)
	pos := len(batch.Images)
	for _, t := range batch.Targets {
		for _, x := range t.Data {
			binary.LittleEndian.PutUint32(payload[pos:], math.Float32bits(x))
			pos += 4
		}
	}
	return header, payload
}

func DecodeBatch(header BatchHeader, payload []byte) (pagekit.Batch, error) {
	batch := pagekit.Batch{
		Width: header.Width,
		Height: header.Height,
	}
	numPixels := header.N * header.Width * header.Height
	if len(payload) < numPixels {
		return batch, errors.Errorf("payload too short for %d images", header.N)
	}
	batch.Images = payload[0:numPixels]
	pos := numPixels
	for _, shape := range header.TargetShapes {
		t := pagekit.NewTensor(shape...)
		if len(payload) < pos+4*len(t.Data) {
			return batch, errors.Errorf("payload too short for target %v", shape)
		}
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[pos:]))
			pos += 4
		}
		batch.Targets = append(batch.Targets, t)
	}
	if pos != len(payload) {
		return batch, errors.Errorf("%d trailing payload bytes", len(payload)-pos)
	}
	return batch, nil
}
