package dataset

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"runtime"
	"sync"

	"github.com/bookpage/pagekit/pagekit"

	"github.com/disintegration/imaging"
	"github.com/mitroadmaps/gomapinfer/common"
	"github.com/pkg/errors"
)

// Source types accepted by DataGenerator.
const SourceImages = "images"

type Options struct {
	BatchSize int
	InputSize [2]int
	Anchors pagekit.Anchors
	NumClasses int
	// Reshuffle the examples before every pass.
	Shuffle bool
	Seed int64
}

// Infinite batch generator over a fixed set of examples.
type Generator struct {
	examples []Example
	opts Options

	mu sync.Mutex
	rng *rand.Rand
	order []int
	pos int
}

func NewGenerator(examples []Example, opts Options) (*Generator, error) {
	if len(examples) == 0 {
		return nil, errors.New("no examples")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", opts.BatchSize)
	}
	if opts.InputSize[0]%32 != 0 || opts.InputSize[1]%32 != 0 || opts.InputSize[0] <= 0 || opts.InputSize[1] <= 0 {
		return nil, errors.Errorf("input size %v must be positive multiples of 32", opts.InputSize)
	}
	if len(opts.Anchors) == 0 || len(opts.Anchors)%pagekit.NumScales != 0 {
		return nil, errors.Errorf("need a multiple of %d anchors, got %d", pagekit.NumScales, len(opts.Anchors))
	}
	g := &Generator{
		examples: examples,
		opts: opts,
		rng: rand.New(rand.NewSource(opts.Seed)),
		order: make([]int, len(examples)),
	}
	for i := range g.order {
		g.order[i] = i
	}
	g.reshuffle()
	return g, nil
}

func (g *Generator) reshuffle() {
	if !g.opts.Shuffle {
		return
	}
	g.rng.Shuffle(len(g.order), func(i, j int) {
		g.order[i], g.order[j] = g.order[j], g.order[i]
	})
}

func (g *Generator) Len() int {
	return len(g.examples)
}

// Indices of the next batch, wrapping around (and reshuffling) at the end of a pass.
func (g *Generator) nextIndices() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	indices := make([]int, g.opts.BatchSize)
	for i := range indices {
		if g.pos >= len(g.order) {
			g.pos = 0
			g.reshuffle()
		}
		indices[i] = g.order[g.pos]
		g.pos++
	}
	return indices
}

func (g *Generator) Next(ctx context.Context) (pagekit.Batch, error) {
	if err := ctx.Err(); err != nil {
		return pagekit.Batch{}, err
	}
	indices := g.nextIndices()
	size := g.opts.InputSize
	n := len(indices)
	batch := pagekit.Batch{
		Width: size[0],
		Height: size[1],
		Images: make([]byte, n*size[0]*size[1]),
		Targets: NewTargets(n, size, g.opts.Anchors, g.opts.NumClasses),
	}

	// load images in parallel; each goroutine writes its own slot
	errs := make([]error, n)
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup
	for b, idx := range indices {
		wg.Add(1)
		sem <- struct{}{}
		go func(b int, ex Example) {
			defer wg.Done()
			defer func() { <- sem }()
			pixels, boxes, err := LoadExample(ex, size)
			if err != nil {
				errs[b] = err
				return
			}
			copy(batch.Images[b*size[0]*size[1]:], pixels)
			FillTargets(batch.Targets, b, boxes, size, g.opts.Anchors, g.opts.NumClasses)
		}(b, g.examples[idx])
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return pagekit.Batch{}, err
		}
	}
	return batch, nil
}

// Letterbox a decoded image into size (grayscale, aspect kept, gray padding).
// Returns the pixels plus the scale and offset that map source to input coordinates.
func Letterbox(img image.Image, size [2]int) ([]byte, float64, [2]int) {
	iw, ih := img.Bounds().Dx(), img.Bounds().Dy()
	scale := float64(size[0]) / float64(iw)
	if s := float64(size[1]) / float64(ih); s < scale {
		scale = s
	}
	nw := int(float64(iw) * scale)
	nh := int(float64(ih) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	offset := [2]int{(size[0] - nw) / 2, (size[1] - nh) / 2}

	resized := imaging.Resize(imaging.Grayscale(img), nw, nh, imaging.Linear)
	canvas := imaging.New(size[0], size[1], color.NRGBA{128, 128, 128, 255})
	canvas = imaging.Paste(canvas, resized, image.Pt(offset[0], offset[1]))

	pixels := make([]byte, size[0]*size[1])
	for i := range pixels {
		// grayscale: R == G == B
		pixels[i] = canvas.Pix[4*i]
	}
	return pixels, scale, offset
}

// Load one example letterboxed to size, with its boxes mapped into input pixels.
// Boxes that end up smaller than a pixel are dropped.
func LoadExample(ex Example, size [2]int) ([]byte, []Box, error) {
	img, err := imaging.Open(ex.ImagePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load %s", ex.ImagePath)
	}
	pixels, scale, offset := Letterbox(img, size)
	inputRect := ImageRect(float64(size[0]), float64(size[1]))
	toInput := func(x, y float64) common.Point {
		return common.Point{X: x*scale + float64(offset[0]), Y: y*scale + float64(offset[1])}
	}
	var boxes []Box
	for _, box := range ex.Boxes {
		rect := common.Rectangle{Min: toInput(box.X1, box.Y1), Max: toInput(box.X2, box.Y2)}
		mapped := BoxFromRect(rect.Intersection(inputRect), box.Class)
		if mapped.Width() < 1 || mapped.Height() < 1 {
			continue
		}
		boxes = append(boxes, mapped)
	}
	return pixels, boxes, nil
}

// Build the training and validation generators from a tags file.
func DataGenerator(dataFile string, srcType string, validationSplit float64, opts Options) (*Generator, *Generator, error) {
	if srcType != SourceImages {
		return nil, nil, errors.Errorf("unsupported source type %q", srcType)
	}
	examples, err := ReadTags(dataFile)
	if err != nil {
		return nil, nil, err
	}
	examples = Validate(examples, opts.NumClasses)
	if len(examples) == 0 {
		return nil, nil, errors.Errorf("no usable examples in %s", dataFile)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	trainExamples, valExamples := Split(examples, validationSplit, rng)

	trainOpts := opts
	trainOpts.Shuffle = true
	train, err := NewGenerator(trainExamples, trainOpts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "training generator")
	}
	if len(valExamples) == 0 {
		return train, nil, nil
	}
	valOpts := opts
	valOpts.Shuffle = false
	val, err := NewGenerator(valExamples, valOpts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "validation generator")
	}
	return train, val, nil
}
