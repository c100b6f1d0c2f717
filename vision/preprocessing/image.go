package preprocessing

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-srcnn/tensor"
)

// ImageProcessor turns images into aligned low/high-resolution luminance
// patches. The low-resolution input is produced the usual SRCNN way: a
// bicubic downscale by the scale factor followed by a bicubic upscale
// back to the patch size.
type ImageProcessor struct {
	patchSize   int
	scaleFactor int
	kernel      draw.Interpolator
}

// NewImageProcessor creates a processor for square patches. The patch size
// is trimmed to a multiple of the scale factor.
func NewImageProcessor(patchSize, scaleFactor int) (*ImageProcessor, error) {
	if scaleFactor < 1 {
		return nil, fmt.Errorf("scale factor must be at least 1, got %d", scaleFactor)
	}
	patchSize -= patchSize % scaleFactor
	if patchSize < scaleFactor || patchSize <= 0 {
		return nil, fmt.Errorf("patch size must be at least the scale factor %d", scaleFactor)
	}
	return &ImageProcessor{
		patchSize:   patchSize,
		scaleFactor: scaleFactor,
		kernel:      draw.CatmullRom,
	}, nil
}

// PatchSize returns the effective patch size.
func (p *ImageProcessor) PatchSize() int { return p.patchSize }

// ScaleFactor returns the super-resolution factor.
func (p *ImageProcessor) ScaleFactor() int { return p.scaleFactor }

// ProcessedPair holds a [1, P, P] input and target, both in [0, 1].
type ProcessedPair struct {
	LowRes  *tensor.Tensor
	HighRes *tensor.Tensor
}

// Decode reads a png, jpeg, gif or bmp image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Luminance converts img to 8-bit grayscale.
func Luminance(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// CenterCrop cuts the centered size x size region out of img.
func CenterCrop(img *image.Gray, size int) (*image.Gray, error) {
	b := img.Bounds()
	if b.Dx() < size || b.Dy() < size {
		return nil, fmt.Errorf("image %dx%d is smaller than patch %d", b.Dx(), b.Dy(), size)
	}
	x0 := b.Min.X + (b.Dx()-size)/2
	y0 := b.Min.Y + (b.Dy()-size)/2
	out := image.NewGray(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return out, nil
}

// Degrade simulates the low-resolution observation of hr.
func (p *ImageProcessor) Degrade(hr *image.Gray) *image.Gray {
	b := hr.Bounds()
	small := image.NewGray(image.Rect(0, 0, b.Dx()/p.scaleFactor, b.Dy()/p.scaleFactor))
	p.kernel.Scale(small, small.Bounds(), hr, b, draw.Src, nil)

	up := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	p.kernel.Scale(up, up.Bounds(), small, small.Bounds(), draw.Src, nil)
	return up
}

// ToTensor converts a grayscale image to a [1, H, W] tensor in [0, 1].
func ToTensor(img *image.Gray) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, v := range row {
			data[y*w+x] = float32(v) / 255
		}
	}
	t, _ := tensor.NewTensor([]int{1, h, w}, data)
	return t
}

// ProcessImage builds the training pair for one decoded image.
func (p *ImageProcessor) ProcessImage(img image.Image) (*ProcessedPair, error) {
	gray := Luminance(img)
	hr, err := CenterCrop(gray, p.patchSize)
	if err != nil {
		return nil, err
	}
	lr := p.Degrade(hr)
	return &ProcessedPair{LowRes: ToTensor(lr), HighRes: ToTensor(hr)}, nil
}

// DecodeAndProcess decodes an image stream and builds its training pair.
func (p *ImageProcessor) DecodeAndProcess(r io.Reader) (*ProcessedPair, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return p.ProcessImage(img)
}

// ProcessFile decodes the image at path and builds its training pair.
func (p *ImageProcessor) ProcessFile(path string) (*ProcessedPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pair, err := p.DecodeAndProcess(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pair, nil
}
