package dataset

import (
	"bufio"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bookpage/pagekit/pagekit"

	"github.com/mitroadmaps/gomapinfer/common"
	"github.com/pkg/errors"
)

// Ground-truth box in image pixels.
type Box struct {
	X1, Y1, X2, Y2 float64
	Class int
}

func (b Box) Width() float64 {
	return b.X2 - b.X1
}

func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

func (b Box) Rect() common.Rectangle {
	return common.Rectangle{
		Min: common.Point{X: b.X1, Y: b.Y1},
		Max: common.Point{X: b.X2, Y: b.Y2},
	}
}

func BoxFromRect(rect common.Rectangle, class int) Box {
	return Box{
		X1: rect.Min.X,
		Y1: rect.Min.Y,
		X2: rect.Max.X,
		Y2: rect.Max.Y,
		Class: class,
	}
}

// Rectangle covering a w x h image.
func ImageRect(w, h float64) common.Rectangle {
	return common.Rectangle{
		Min: common.Point{X: 0, Y: 0},
		Max: common.Point{X: w, Y: h},
	}
}

// One image and its labeled boxes.
type Example struct {
	ImagePath string
	Boxes []Box
}

func parseBox(s string) (Box, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return Box{}, errors.Errorf("box %q should have 5 fields", s)
	}
	var values [4]float64
	for i := 0; i < 4; i++ {
		x, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return Box{}, errors.Wrapf(err, "box %q", s)
		}
		values[i] = x
	}
	cls, err := strconv.Atoi(parts[4])
	if err != nil {
		return Box{}, errors.Wrapf(err, "box %q class", s)
	}
	box := Box{values[0], values[1], values[2], values[3], cls}
	if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
		return Box{}, errors.Errorf("box %q is empty", s)
	}
	return box, nil
}

// Parse one tags-file line: "image_path x1,y1,x2,y2,class x1,y1,x2,y2,class ...".
func ParseTagLine(line string) (Example, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Example{}, errors.New("empty line")
	}
	ex := Example{ImagePath: fields[0]}
	for _, field := range fields[1:] {
		box, err := parseBox(field)
		if err != nil {
			return Example{}, err
		}
		ex.Boxes = append(ex.Boxes, box)
	}
	return ex, nil
}

// Read the tags file. Relative image paths are resolved against the
// directory holding the tags file.
func ReadTags(fname string) ([]Example, error) {
	file, err := os.Open(fname)
	if err != nil {
		return nil, errors.Wrap(err, "open tags file")
	}
	defer file.Close()

	dir := filepath.Dir(fname)
	var examples []Example
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ex, err := ParseTagLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", fname, lineno)
		}
		if !filepath.IsAbs(ex.ImagePath) {
			ex.ImagePath = filepath.Join(dir, ex.ImagePath)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read tags file")
	}
	return examples, nil
}

// Shuffle and split examples into training and validation sets.
// With at least two examples and a positive split both sets are non-empty.
func Split(examples []Example, validationSplit float64, rng *rand.Rand) (train []Example, val []Example) {
	shuffled := append([]Example(nil), examples...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	numVal := int(float64(len(shuffled)) * validationSplit)
	if validationSplit > 0 && len(shuffled) >= 2 {
		if numVal == 0 {
			numVal = 1
		} else if numVal == len(shuffled) {
			numVal = len(shuffled) - 1
		}
	}
	return shuffled[numVal:], shuffled[0:numVal]
}

// Drop examples whose image can't be read or whose boxes fall outside the image.
// Only the image header is read here.
func Validate(examples []Example, numClasses int) []Example {
	var valid []Example
	for _, ex := range examples {
		dims, err := pagekit.GetImageDimsFromFile(ex.ImagePath)
		if err != nil {
			log.Printf("[dataset] skipping %s: %v", ex.ImagePath, err)
			continue
		}
		imageRect := ImageRect(float64(dims[0]), float64(dims[1]))
		ok := true
		for _, box := range ex.Boxes {
			// a box inside the image is unchanged by clipping to it
			clipped := BoxFromRect(box.Rect().Intersection(imageRect), box.Class)
			if clipped != box {
				log.Printf("[dataset] skipping %s: box %v outside %dx%d image", ex.ImagePath, box, dims[0], dims[1])
				ok = false
				break
			}
			if box.Class < 0 || box.Class >= numClasses {
				log.Printf("[dataset] skipping %s: class %d out of range", ex.ImagePath, box.Class)
				ok = false
				break
			}
		}
		if ok {
			valid = append(valid, ex)
		}
	}
	return valid
}
