package pagekit

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
)

// Number of detection scales, with strides 32, 16 and 8.
const NumScales = 3

var ScaleStrides = [NumScales]int{32, 16, 8}

// Box-size priors, (width, height) in input pixels.
type Anchors [][2]float64

// Parse anchors in the "w,h, w,h, ..." format.
func ParseAnchors(s string) (Anchors, error) {
	var values []float64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) {
		x, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("bad anchor value %q: %v", part, err)
		}
		values = append(values, x)
	}
	if len(values) == 0 || len(values)%2 != 0 {
		return nil, fmt.Errorf("expected an even, non-zero number of anchor values, got %d", len(values))
	}
	anchors := make(Anchors, len(values)/2)
	for i := range anchors {
		anchors[i] = [2]float64{values[2*i], values[2*i+1]}
	}
	if len(anchors)%NumScales != 0 {
		return nil, fmt.Errorf("number of anchors (%d) must be a multiple of %d", len(anchors), NumScales)
	}
	return anchors, nil
}

func ReadAnchors(fname string) (Anchors, error) {
	bytes, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("error reading anchors: %v", err)
	}
	return ParseAnchors(string(bytes))
}

func (a Anchors) PerScale() int {
	return len(a) / NumScales
}

// Indices of the anchors used at the given scale.
// Scale 0 is the coarsest (stride 32) and gets the largest anchors.
func (a Anchors) Mask(scale int) []int {
	n := a.PerScale()
	start := (NumScales - 1 - scale) * n
	mask := make([]int, n)
	for i := range mask {
		mask[i] = start + i
	}
	return mask
}

// Returns the scale and index within that scale of anchor i.
func (a Anchors) Locate(i int) (scale int, k int) {
	n := a.PerScale()
	return NumScales - 1 - i/n, i % n
}

func (a Anchors) String() string {
	var parts []string
	for _, anchor := range a {
		parts = append(parts, fmt.Sprintf("%v,%v", anchor[0], anchor[1]))
	}
	return strings.Join(parts, ", ")
}
