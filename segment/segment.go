package segment

import (
	"context"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"sort"

	"github.com/bookpage/pagekit/backend"
	"github.com/bookpage/pagekit/pagekit"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	TextVertical = "vertical"
	TextHorizontal = "horizontal"
)

type Params struct {
	Images []image.Image
	// Files, directories or glob patterns.
	ImgPaths []string
	DestDir string

	Task string
	TextType string
	ModelStruc string
	// Empty to use the worker's default weights.
	Weights string
}

func (p Params) WithDefaults() Params {
	if p.Task == "" {
		p.Task = "book_page"
	}
	if p.TextType == "" {
		p.TextType = TextVertical
	}
	if p.ModelStruc == "" {
		p.ModelStruc = "densenet_gru"
	}
	return p
}

func (p Params) Spec() backend.SegmentSpec {
	return backend.SegmentSpec{
		Task: p.Task,
		TextType: p.TextType,
		ModelStruc: p.ModelStruc,
		Weights: p.Weights,
	}
}

// A fresh run directory under base.
func NewDestDir(base string) string {
	return filepath.Join(base, uuid.New().String())
}

// Segmentation of one image, written to <Name>.json in the destination dir.
type Result struct {
	Name string
	Source string `json:",omitempty"`
	Width int
	Height int
	TextType string
	// Split positions: x for vertical text, y for horizontal text.
	Splits []int
	// Image with the splits drawn.
	SplitImage string
	// Cropped segments in reading order.
	Segments []string
}

// Clamp positions to (0, limit), sort them and drop duplicates.
// Positions on the image border don't split anything and are dropped too.
func NormalizeSplits(splits []int, limit int) []int {
	var out []int
	for _, x := range splits {
		x = pagekit.Clip(x, 0, limit)
		if x <= 0 || x >= limit {
			continue
		}
		out = append(out, x)
	}
	sort.Ints(out)
	n := 0
	for i, x := range out {
		if i > 0 && x == out[n-1] {
			continue
		}
		out[n] = x
		n++
	}
	return out[:n]
}

// Segment bounds along the split axis in reading order. Vertical text
// columns are read right to left.
func segmentRanges(splits []int, limit int, textType string) [][2]int {
	bounds := append([]int{0}, splits...)
	bounds = append(bounds, limit)
	var ranges [][2]int
	for i := 0; i+1 < len(bounds); i++ {
		ranges = append(ranges, [2]int{bounds[i], bounds[i+1]})
	}
	if textType == TextVertical {
		for i, j := 0, len(ranges)-1; i < j; i, j = i+1, j-1 {
			ranges[i], ranges[j] = ranges[j], ranges[i]
		}
	}
	return ranges
}

var splitColor = [3]uint8{255, 0, 0}

func processImage(seg backend.Segmenter, in Input, textType string, destDir string) (Result, error) {
	im, err := in.Load()
	if err != nil {
		return Result{}, err
	}
	splits, err := seg.Segment(im)
	if err != nil {
		return Result{}, fmt.Errorf("error segmenting %s: %v", in.Name, err)
	}
	vertical := textType == TextVertical
	limit := im.Height
	if vertical {
		limit = im.Width
	}
	splits = NormalizeSplits(splits, limit)

	result := Result{
		Name: in.Name,
		Source: in.Path,
		Width: im.Width,
		Height: im.Height,
		TextType: textType,
		Splits: splits,
		SplitImage: in.Name + "_split.jpg",
	}

	canvas := im.Copy()
	for _, pos := range splits {
		canvas.DrawAxisLine(pos, vertical, 1, splitColor)
	}
	if err := imaging.Save(canvas, filepath.Join(destDir, result.SplitImage)); err != nil {
		return Result{}, err
	}

	for i, r := range segmentRanges(splits, limit, textType) {
		var crop pagekit.Image
		if vertical {
			crop = im.Crop(r[0], 0, r[1], im.Height)
		} else {
			crop = im.Crop(0, r[0], im.Width, r[1])
		}
		fname := fmt.Sprintf("%s_%d.jpg", in.Name, i)
		if err := imaging.Save(crop, filepath.Join(destDir, fname)); err != nil {
			return Result{}, err
		}
		result.Segments = append(result.Segments, fname)
	}

	if err := pagekit.WriteJSONFile(filepath.Join(destDir, in.Name+".json"), result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Segment every input image and write the results to params.DestDir.
// If seg is nil, a segmenter is built with builder for the duration of the call.
func Predict(ctx context.Context, params Params, seg backend.Segmenter, builder backend.SegmenterBuilder) ([]Result, error) {
	params = params.WithDefaults()
	if params.TextType != TextVertical && params.TextType != TextHorizontal {
		return nil, fmt.Errorf("unknown text type %s", params.TextType)
	}
	if params.Weights != "" && !pagekit.FileExists(params.Weights) {
		return nil, fmt.Errorf("weights %s not found", params.Weights)
	}
	if params.DestDir == "" {
		return nil, fmt.Errorf("no destination directory")
	}
	if err := pagekit.EnsureDir(params.DestDir); err != nil {
		return nil, err
	}

	paths, err := ResolvePaths(params.ImgPaths)
	if err != nil {
		return nil, err
	}
	inputs := collectInputs(params.Images, paths)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no images to segment")
	}

	if seg == nil {
		if builder == nil {
			return nil, fmt.Errorf("no segmenter given")
		}
		seg, err = builder.BuildSegmenter(ctx, params.Spec())
		if err != nil {
			return nil, err
		}
		defer seg.Close()
	}

	log.Printf("[segment] segmenting %d images (%s, %s) into %s", len(inputs), params.Task, params.TextType, params.DestDir)
	var results []Result
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := processImage(seg, in, params.TextType, params.DestDir)
		if err != nil {
			return results, err
		}
		log.Printf("[segment] %s: %d splits", in.Name, len(result.Splits))
		results = append(results, result)
	}
	return results, nil
}
