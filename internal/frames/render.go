// Package frames renders the synthetic JPEG frames used when no camera
// image is available.
package frames

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 640
	Height = 480
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var bars = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

var (
	background = color.RGBA{R: 17, G: 24, B: 39, A: 255}
	captionBG  = color.RGBA{A: 200}
	textColor  = color.RGBA{R: 34, G: 211, B: 238, A: 255}
)

// ColorBars renders SMPTE-style bars with each line of label drawn on a dark
// strip at the bottom.
func ColorBars(width, height int, label ...string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barWidth := width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := range height {
		for x := range width {
			idx := x / barWidth
			if idx >= len(bars) {
				idx = len(bars) - 1
			}
			img.SetRGBA(x, y, bars[idx])
		}
	}

	if len(label) > 0 {
		lineHeight := basicfont.Face7x13.Metrics().Height.Ceil() + 4
		strip := image.Rect(0, height-lineHeight*len(label)-8, width, height)
		draw.Draw(img, strip, image.NewUniform(captionBG), image.Point{}, draw.Over)
		for i, line := range label {
			drawText(img, line, 10, strip.Min.Y+4+lineHeight*(i+1)-4)
		}
	}

	return encode(img)
}

// Placeholder renders a dark frame with a centred message.
func Placeholder(width, height int, message string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, message).Ceil()
	x := (width - textWidth) / 2
	if x < 0 {
		x = 0
	}
	drawText(img, message, x, height/2)

	return encode(img)
}

func drawText(img draw.Image, text string, x, baseline int) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(text)
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
