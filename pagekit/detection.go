package pagekit

import (
	"fmt"
)

type Detection struct {
	Left int
	Top int
	Right int
	Bottom int

	Class int
	Category string `json:",omitempty"`
	Score float64
}

// Build detections from the box-evaluation outputs of the detector:
// boxes are (top, left, bottom, right) in input pixels.
func DetectionsFromEval(boxes [][4]float64, scores []float64, classes []int, categories []string) ([]Detection, error) {
	if len(boxes) != len(scores) || len(boxes) != len(classes) {
		return nil, fmt.Errorf("mismatched eval outputs: %d boxes, %d scores, %d classes", len(boxes), len(scores), len(classes))
	}
	detections := make([]Detection, len(boxes))
	for i, box := range boxes {
		d := Detection{
			Top: int(box[0]),
			Left: int(box[1]),
			Bottom: int(box[2]),
			Right: int(box[3]),
			Class: classes[i],
			Score: scores[i],
		}
		if d.Class >= 0 && d.Class < len(categories) {
			d.Category = categories[d.Class]
		}
		detections[i] = d
	}
	return detections, nil
}

// Colors cycled over classes when drawing boxes.
var ClassColors = [][3]uint8{
	{255, 0, 0},
	{0, 160, 0},
	{0, 0, 255},
	{255, 128, 0},
	{160, 0, 160},
	{0, 160, 160},
}

// Copy of the image with each detection drawn as a labeled rectangle.
func DrawDetections(im Image, detections []Detection) Image {
	canvas := im.Copy()
	for _, d := range detections {
		color := ClassColors[Mod(d.Class, len(ClassColors))]
		canvas.DrawRectangle(d.Left, d.Top, d.Right, d.Bottom, 1, color)
		label := d.Category
		if label == "" {
			label = fmt.Sprintf("class%d", d.Class)
		}
		canvas.DrawText(RichText{
			Text: fmt.Sprintf("%s %.2f", label, d.Score),
			X: d.Left + 3,
			Y: d.Top + 3,
		})
	}
	return canvas
}

func Mod(a, b int) int {
	x := a%b
	if x < 0 {
		x = x+b
	}
	return x
}
