package pagekit

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RGB image stored row-major, three bytes per pixel.
type Image struct {
	Width int
	Height int
	Bytes []byte
}

func NewImage(width int, height int) Image {
	return Image{
		Width: width,
		Height: height,
		Bytes: make([]byte, 3*width*height),
	}
}

func ImageFromGoImage(im image.Image) Image {
	rect := im.Bounds()
	width := rect.Dx()
	height := rect.Dy()
	bytes := make([]byte, width*height*3)
	for i := 0; i < width; i++ {
		for j := 0; j < height; j++ {
			r, g, b, _ := im.At(i + rect.Min.X, j + rect.Min.Y).RGBA()
			bytes[(j*width+i)*3+0] = uint8(r >> 8)
			bytes[(j*width+i)*3+1] = uint8(g >> 8)
			bytes[(j*width+i)*3+2] = uint8(b >> 8)
		}
	}
	return Image{
		Width: width,
		Height: height,
		Bytes: bytes,
	}
}

func (im Image) AsImage() image.Image {
	pixbuf := make([]byte, im.Width*im.Height*4)
	j := 0
	channels := 0
	for i := range im.Bytes {
		pixbuf[j] = im.Bytes[i]
		j++
		channels++
		if channels == 3 {
			pixbuf[j] = 255
			j++
			channels = 0
		}
	}
	return &image.RGBA{
		Pix: pixbuf,
		Stride: im.Width*4,
		Rect: image.Rect(0, 0, im.Width, im.Height),
	}
}

func (im Image) AsPNG() []byte {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, im.AsImage()); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Single-channel luma bytes, the layout the detector input expects.
func (im Image) Gray() []byte {
	gray := make([]byte, im.Width*im.Height)
	for i := range gray {
		r := int(im.Bytes[3*i])
		g := int(im.Bytes[3*i+1])
		b := int(im.Bytes[3*i+2])
		gray[i] = uint8((299*r + 587*g + 114*b + 500) / 1000)
	}
	return gray
}

func ImageFromGray(width int, height int, gray []byte) Image {
	im := NewImage(width, height)
	for i, v := range gray {
		im.Bytes[3*i] = v
		im.Bytes[3*i+1] = v
		im.Bytes[3*i+2] = v
	}
	return im
}

func (im Image) SetRGB(i int, j int, color [3]uint8) {
	if i < 0 || i >= im.Width || j < 0 || j >= im.Height {
		return
	}
	for channel := 0; channel < 3; channel++ {
		im.Bytes[(j*im.Width+i)*3+channel] = color[channel]
	}
}

func (im Image) GetRGB(i int, j int) [3]uint8 {
	var color [3]uint8
	for channel := 0; channel < 3; channel++ {
		color[channel] = im.Bytes[(j*im.Width+i)*3+channel]
	}
	return color
}

func (im Image) FillRectangle(left, top, right, bottom int, color [3]uint8) {
	for i := left; i < right; i++ {
		for j := top; j < bottom; j++ {
			im.SetRGB(i, j, color)
		}
	}
}

func (im Image) Copy() Image {
	bytes := make([]byte, len(im.Bytes))
	copy(bytes, im.Bytes)
	return Image{
		Width: im.Width,
		Height: im.Height,
		Bytes: bytes,
	}
}

func (im Image) DrawRectangle(left, top, right, bottom int, width int, color [3]uint8) {
	im.FillRectangle(left-width, top, left+width, bottom, color)
	im.FillRectangle(right-width, top, right+width, bottom, color)
	im.FillRectangle(left, top-width, right, top+width, color)
	im.FillRectangle(left, bottom-width, right, bottom+width, color)
}

// Vertical line at column x, or horizontal line at row y if vertical is false.
func (im Image) DrawAxisLine(pos int, vertical bool, width int, color [3]uint8) {
	if vertical {
		im.FillRectangle(pos-width, 0, pos+width, im.Height, color)
	} else {
		im.FillRectangle(0, pos-width, im.Width, pos+width, color)
	}
}

// Sub-image covering [left, right) x [top, bottom), clipped to the image.
func (im Image) Crop(left, top, right, bottom int) Image {
	left = Clip(left, 0, im.Width)
	right = Clip(right, left, im.Width)
	top = Clip(top, 0, im.Height)
	bottom = Clip(bottom, top, im.Height)
	out := NewImage(right-left, bottom-top)
	for j := top; j < bottom; j++ {
		src := im.Bytes[(j*im.Width+left)*3 : (j*im.Width+right)*3]
		copy(out.Bytes[(j-top)*out.Width*3:], src)
	}
	return out
}

type RichText struct {
	Text string
	X int
	Y int
}

func (im Image) DrawText(text RichText) {
	c := color.RGBA{255, 255, 255, 255}
	if text.X == 0 && text.Y == 0 {
		text.X = 5
		text.Y = 5
	}
	text.Y += 7 // center since height is 13
	p := fixed.P(text.X, text.Y)
	d := &font.Drawer{
		Dst: im,
		Src: image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot: p,
	}
	rect, _ := d.BoundString(text.Text)
	sx, sy := rect.Min.X.Round(), rect.Min.Y.Round()
	ex, ey := rect.Max.X.Round(), rect.Max.Y.Round()
	im.FillRectangle(sx-3, sy-3, ex+3, ey+3, [3]uint8{0, 0, 0})
	d.DrawString(text.Text)
}

// for image.Image

func (im Image) Set(i int, j int, c color.Color) {
	r, g, b, _ := c.RGBA()
	im.SetRGB(i, j, [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)})
}

func (im Image) At(i int, j int) color.Color {
	if i < 0 || i >= im.Width || j < 0 || j >= im.Height {
		return color.RGBA{0, 0, 0, 255}
	}
	c := im.GetRGB(i, j)
	return color.RGBA{c[0], c[1], c[2], 255}
}

func (im Image) ColorModel() color.Model {
	return color.RGBAModel
}

func (im Image) Bounds() image.Rectangle {
	return image.Rectangle{image.Point{0, 0}, image.Point{im.Width, im.Height}}
}
