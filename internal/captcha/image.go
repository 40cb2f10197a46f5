// Copyright 2020 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package captcha

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/big"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const phraseAlphabet = "abcdefghjkmnpqrstuvwxyz23456789" // excludes o/0, i/l/1, confusable on purpose

const phraseLength = 6

const (
	imageWidth  = 200
	imageHeight = 70
)

// GeneratePhrase returns a random lowercase phrase drawn from an alphabet
// that deliberately excludes the characters LenientEqual folds together,
// so every generated phrase still has exactly one unambiguous spelling.
func GeneratePhrase() string {
	b := make([]byte, phraseLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(phraseAlphabet))))
		if err != nil {
			// crypto/rand failing means the platform RNG is broken; there is
			// no sane fallback, so fall back to a fixed low-entropy phrase
			// rather than panic mid-request.
			b[i] = phraseAlphabet[i%len(phraseAlphabet)]
			continue
		}
		b[i] = phraseAlphabet[n.Int64()]
	}
	return string(b)
}

// RenderDataURL renders phrase as a noise-speckled PNG and returns it as a
// "data:image/png;base64,..." URL, ready to drop into an <img src="...">
// the host renderer owns.
func RenderDataURL(phrase string) (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, imageWidth, imageHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	if err := addNoise(img); err != nil {
		return "", err
	}
	drawPhrase(img, phrase)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func addNoise(img *image.RGBA) error {
	bounds := img.Bounds()
	area := bounds.Dx() * bounds.Dy()
	specks := area / 12

	for i := 0; i < specks; i++ {
		x, err := rand.Int(rand.Reader, big.NewInt(int64(bounds.Dx())))
		if err != nil {
			return err
		}
		y, err := rand.Int(rand.Reader, big.NewInt(int64(bounds.Dy())))
		if err != nil {
			return err
		}
		gray, err := rand.Int(rand.Reader, big.NewInt(180))
		if err != nil {
			return err
		}
		shade := uint8(60 + gray.Int64())
		img.Set(int(x.Int64()), int(y.Int64()), color.Gray{Y: shade})
	}
	return nil
}

func drawPhrase(img *image.RGBA, phrase string) {
	face := basicfont.Face7x13
	advance := face.Advance + 6
	startX := (imageWidth - advance*len(phrase)) / 2
	baseline := imageHeight/2 + 5

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 20, G: 20, B: 20, A: 255}),
		Face: face,
	}

	for i, r := range phrase {
		d.Dot = fixed.P(startX+i*advance, baseline+jitter(i))
		d.DrawString(string(r))
	}
}

// jitter gives each glyph a small, deterministic vertical offset so the
// rendered phrase isn't perfectly aligned to a baseline OCR could exploit.
func jitter(i int) int {
	pattern := []int{0, -2, 2, -1, 1, 0, -2, 2}
	return pattern[i%len(pattern)]
}
