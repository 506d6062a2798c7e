package pagekit

import (
	"fmt"
)

// Dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data []float32
}

func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{
		Shape: append([]int(nil), shape...),
		Data: make([]float32, n),
	}
}

// Flat offset of the given index.
func (t Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Errorf("index %v does not match shape %v", idx, t.Shape))
	}
	offset := 0
	for i, x := range idx {
		offset = offset*t.Shape[i] + x
	}
	return offset
}

func (t Tensor) At(idx ...int) float32 {
	return t.Data[t.Offset(idx...)]
}

// One batch from the data generator: grayscale images plus
// one target tensor per detection scale (coarsest first).
type Batch struct {
	Width int
	Height int
	// N*Height*Width bytes, one channel.
	Images []byte
	Targets []Tensor
}

func (b Batch) Size() int {
	if b.Width == 0 || b.Height == 0 {
		return 0
	}
	return len(b.Images) / (b.Width * b.Height)
}

func (b Batch) Image(i int) Image {
	n := b.Width * b.Height
	return ImageFromGray(b.Width, b.Height, b.Images[i*n:(i+1)*n])
}
