package segment

import (
	"fmt"
	"image"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bookpage/pagekit/pagekit"

	"github.com/disintegration/imaging"
)

var ImageExts = map[string]bool{
	"jpg": true,
	"jpeg": true,
	"png": true,
	"bmp": true,
	"gif": true,
	"tif": true,
	"tiff": true,
}

func isImageFile(fname string) bool {
	return ImageExts[strings.ToLower(pagekit.Ext(fname))]
}

// Expand image path arguments into files. Each argument may be a file,
// a directory (its image files, sorted by name), or a glob pattern.
func ResolvePaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[") {
			matches, err := filepath.Glob(arg)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %s: %v", arg, err)
			}
			sort.Strings(matches)
			for _, fname := range matches {
				if isImageFile(fname) {
					paths = append(paths, fname)
				}
			}
			continue
		}

		fi, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("image path %s: %v", arg, err)
		}
		if !fi.IsDir() {
			paths = append(paths, arg)
			continue
		}
		files, err := ioutil.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if file.IsDir() || !isImageFile(file.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(arg, file.Name()))
		}
	}
	return paths, nil
}

// One image to segment, either loaded from Path or given in memory.
type Input struct {
	Name string
	Path string
	Image image.Image
}

func (in Input) Load() (pagekit.Image, error) {
	if in.Image != nil {
		return pagekit.ImageFromGoImage(in.Image), nil
	}
	img, err := imaging.Open(in.Path, imaging.AutoOrientation(true))
	if err != nil {
		return pagekit.Image{}, fmt.Errorf("error loading %s: %v", in.Path, err)
	}
	return pagekit.ImageFromGoImage(img), nil
}

// In-memory images first, then files. Names are unique so outputs don't collide.
func collectInputs(images []image.Image, paths []string) []Input {
	var inputs []Input
	used := make(map[string]bool)
	name := func(base string) string {
		name := base
		for i := 1; used[name]; i++ {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		used[name] = true
		return name
	}
	for i, im := range images {
		inputs = append(inputs, Input{
			Name: name(fmt.Sprintf("image_%d", i)),
			Image: im,
		})
	}
	for _, fname := range paths {
		inputs = append(inputs, Input{
			Name: name(pagekit.BaseName(fname)),
			Path: fname,
		})
	}
	return inputs
}
