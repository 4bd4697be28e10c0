package ui

import (
	"bytes"
	"image/color"

	"github.com/disintegration/imaging"
)

var iconBytes = renderIcon(32)

// renderIcon draws the tray glyph: a filled disc with a lighter ring.
func renderIcon(size int) []byte {
	img := imaging.New(size, size, color.NRGBA{})
	c := float64(size-1) / 2
	r := float64(size) / 2

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			d2 := dx*dx + dy*dy
			switch {
			case d2 <= (r*0.55)*(r*0.55):
				img.Set(x, y, color.NRGBA{R: 0x1f, G: 0x6f, B: 0xeb, A: 0xff})
			case d2 <= (r*0.95)*(r*0.95):
				img.Set(x, y, color.NRGBA{R: 0x9c, G: 0xc4, B: 0xff, A: 0xff})
			}
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil
	}
	return buf.Bytes()
}
