package extract

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
)

// extractImage decodes an image and produces both the raw bytes (for
// multimodal providers) and a text rendering: filename tokens, format,
// dimensions, and a coarse luminance/color profile. Formats the standard
// decoders cannot handle (webp, heic) degrade to the text rendering only.
func (e *Extractor) extractImage(path, fileType string) (Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("reading %s: %w: %v", path, ErrExtraction, err)
	}

	name := filepath.Base(path)
	var b strings.Builder
	fmt.Fprintf(&b, "image %s", strings.TrimSuffix(name, filepath.Ext(name)))

	img, format, decodeErr := image.Decode(bytes.NewReader(data))
	if decodeErr == nil {
		bounds := img.Bounds()
		fmt.Fprintf(&b, " format %s %dx%d", format, bounds.Dx(), bounds.Dy())
		b.WriteByte(' ')
		b.WriteString(describePixels(img))
	} else {
		// Undecodable here but still a supported upload type; filename
		// and type tokens are all the signal we have.
		fmt.Fprintf(&b, " format %s", fileType)
	}

	content := Content{
		Text:      b.String(),
		ImageMIME: imageMIME(fileType),
		Method:    "image",
	}
	if len(data) <= e.MaxImageBytes {
		content.ImageData = data
	}
	return content, nil
}

// describePixels reduces an image to normalized luminance and color
// summaries. The normalization (0..1 over the sampled grid) keeps the
// description stable across color profiles and exposures.
func describePixels(img image.Image) string {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return ""
	}

	const grid = 8
	var rSum, gSum, bSum, lumSum float64
	samples := 0
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			x := bounds.Min.X + gx*bounds.Dx()/grid
			y := bounds.Min.Y + gy*bounds.Dy()/grid
			r, g, b, _ := img.At(x, y).RGBA()
			rf, gf, bf := float64(r)/0xffff, float64(g)/0xffff, float64(b)/0xffff
			rSum += rf
			gSum += gf
			bSum += bf
			lumSum += 0.2126*rf + 0.7152*gf + 0.0722*bf
			samples++
		}
	}

	n := float64(samples)
	lum := lumSum / n
	var tone string
	switch {
	case lum < 0.25:
		tone = "dark"
	case lum > 0.75:
		tone = "bright"
	default:
		tone = "midtone"
	}

	rAvg, gAvg, bAvg := rSum/n, gSum/n, bSum/n
	var hue string
	switch {
	case rAvg > gAvg && rAvg > bAvg:
		hue = "warm red"
	case gAvg > rAvg && gAvg > bAvg:
		hue = "green"
	case bAvg > rAvg && bAvg > gAvg:
		hue = "cool blue"
	default:
		hue = "neutral"
	}

	orientation := "landscape"
	if bounds.Dy() > bounds.Dx() {
		orientation = "portrait"
	} else if bounds.Dy() == bounds.Dx() {
		orientation = "square"
	}

	return fmt.Sprintf("%s %s %s", orientation, tone, hue)
}

func imageMIME(fileType string) string {
	switch fileType {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "heic", "heif":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
