package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/v0ropaev/image-processing-service/internal/entities"
)

// DefaultExt is used when the source encoding is neither jpeg nor png.
const DefaultExt = "jpeg"

// Variant is one derived image, already encoded.
type Variant struct {
	Name string
	Data []byte
}

// Decode parses raw bytes into an image and reports the detected encoding
// ("jpeg", "png", ...). Importing imaging registers the common decoders.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Ext maps a detected encoding to the extension used in object keys.
// Anything that is not jpeg or png is re-encoded with the default lossy
// codec, so the key extension stays within {jpeg, png}.
func Ext(format string) string {
	switch format {
	case "jpeg", "png":
		return format
	default:
		return DefaultExt
	}
}

// Transform derives the four variants from a decoded image and re-encodes
// each of them in the detected (or default) format. Encoding is independent
// per variant, so the four encodes run concurrently; the derivations
// themselves are cheap and done up front. The result order follows
// entities.VariantNames.
func Transform(img image.Image, format string) ([]Variant, error) {
	b := img.Bounds()

	derived := map[string]image.Image{
		entities.VariantOriginal: img,
		entities.VariantRotated:  imaging.Rotate90(img),
		entities.VariantGray:     grayscale(img),
		entities.VariantScaled:   imaging.Resize(img, b.Dx()/2, b.Dy()/2, imaging.Lanczos),
	}

	variants := make([]Variant, len(entities.VariantNames))
	errs := make([]error, len(entities.VariantNames))

	var wg sync.WaitGroup
	for i, name := range entities.VariantNames {
		wg.Add(1)
		go func(i int, name string, src image.Image) {
			defer wg.Done()
			data, err := encode(src, format)
			if err != nil {
				errs[i] = fmt.Errorf("encode %s: %w", name, err)
				return
			}
			variants[i] = Variant{Name: name, Data: data}
		}(i, name, derived[name])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return variants, nil
}

// grayscale converts to a true single-channel luminance image, so jpeg
// output is encoded as grayscale rather than gray-looking RGB.
func grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch Ext(format) {
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
