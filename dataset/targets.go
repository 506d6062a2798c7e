package dataset

import (
	"math"

	"github.com/bookpage/pagekit/pagekit"

	"github.com/mitroadmaps/gomapinfer/common"
)

// A w x h rectangle centered on the origin, so that only shapes are compared.
func centeredRect(w, h float64) common.Rectangle {
	return common.Rectangle{
		Min: common.Point{X: -w/2, Y: -h/2},
		Max: common.Point{X: w/2, Y: h/2},
	}
}

// Index of the anchor whose shape best matches a w x h box.
func BestAnchor(w, h float64, anchors pagekit.Anchors) int {
	boxRect := centeredRect(w, h)
	best := -1
	bestIOU := -1.0
	for i, anchor := range anchors {
		iou := boxRect.IOU(centeredRect(anchor[0], anchor[1]))
		if iou > bestIOU {
			best = i
			bestIOU = iou
		}
	}
	return best
}

// Allocate zeroed target tensors for a batch, one per scale:
// (n, height/stride, width/stride, anchors per scale, numClasses+5).
func NewTargets(n int, size [2]int, anchors pagekit.Anchors, numClasses int) []pagekit.Tensor {
	targets := make([]pagekit.Tensor, pagekit.NumScales)
	for l, stride := range pagekit.ScaleStrides {
		targets[l] = pagekit.NewTensor(n, size[1]/stride, size[0]/stride, anchors.PerScale(), numClasses+5)
	}
	return targets
}

// Fill the targets for batch element b from boxes in input (letterboxed) pixels.
// Each box goes to its best-matching anchor, at the grid cell holding its center.
func FillTargets(targets []pagekit.Tensor, b int, boxes []Box, size [2]int, anchors pagekit.Anchors, numClasses int) {
	for _, box := range boxes {
		w, h := box.Width(), box.Height()
		if w <= 0 || h <= 0 || box.Class < 0 || box.Class >= numClasses {
			continue
		}
		cx := (box.X1 + box.X2) / 2 / float64(size[0])
		cy := (box.Y1 + box.Y2) / 2 / float64(size[1])

		n := BestAnchor(w, h, anchors)
		l, k := anchors.Locate(n)
		t := targets[l]
		gridH, gridW := t.Shape[1], t.Shape[2]
		i := pagekit.Clip(int(math.Floor(cx*float64(gridW))), 0, gridW-1)
		j := pagekit.Clip(int(math.Floor(cy*float64(gridH))), 0, gridH-1)

		base := t.Offset(b, j, i, k, 0)
		t.Data[base+0] = float32(cx)
		t.Data[base+1] = float32(cy)
		t.Data[base+2] = float32(w / float64(size[0]))
		t.Data[base+3] = float32(h / float64(size[1]))
		t.Data[base+4] = 1
		t.Data[base+5+box.Class] = 1
	}
}
