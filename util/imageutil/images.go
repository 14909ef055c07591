package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	_ "image/jpeg"

	"golang.org/x/image/draw"

	"github.com/knights-analytics/showo/util/fileutil"
	"github.com/knights-analytics/showo/util/safeconv"
)

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ResizePreprocessor struct {
	targetSize int
}

// ResizeStep resizes the shorter side of the image to targetSize, keeping the aspect ratio.
func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot resize empty image")
	}
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return resizeImage(img, newW, newH), nil
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() < s.targetWidth || bounds.Dy() < s.targetHeight {
		return nil, fmt.Errorf("image of size %dx%d is smaller than crop %dx%d", bounds.Dx(), bounds.Dy(), s.targetWidth, s.targetHeight)
	}
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	rect := image.Rect(0, 0, s.targetWidth, s.targetHeight)
	dst := image.NewRGBA(rect)
	for y := 0; y < s.targetHeight; y++ {
		for x := 0; x < s.targetWidth; x++ {
			dst.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

// SymmetricPixelNormalizationStep maps [0,1] pixels to [-1,1].
func SymmetricPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: [3]float32{0.5, 0.5, 0.5},
		std:  [3]float32{0.5, 0.5, 0.5},
	}
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// ImageTransform returns the steps used before VQ encoding: resize the shorter
// side, center crop to a square, rescale to [0,1] and normalise to [-1,1].
func ImageTransform(resolution int) ([]PreprocessStep, []NormalizationStep) {
	return []PreprocessStep{
			ResizeStep(resolution),
			CenterCropStep(resolution, resolution),
		}, []NormalizationStep{
			RescaleStep(),
			SymmetricPixelNormalizationStep(),
		}
}

// ImagesToTensor applies the steps to every image and packs the results into a
// flat NCHW float32 buffer. All processed images must share the same size.
func ImagesToTensor(images []image.Image, preprocess []PreprocessStep, normalize []NormalizationStep) ([]float32, []int64, error) {
	if len(images) == 0 {
		return nil, nil, fmt.Errorf("no images to convert")
	}
	var data []float32
	var height, width int
	for i, img := range images {
		processed := img
		for _, step := range preprocess {
			var err error
			processed, err = step.Apply(processed)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
			}
		}
		bounds := processed.Bounds()
		hh, ww := bounds.Dy(), bounds.Dx()
		if i == 0 {
			height, width = hh, ww
			data = make([]float32, len(images)*3*hh*ww)
		} else if hh != height || ww != width {
			return nil, nil, fmt.Errorf("image %d has size %dx%d, expected %dx%d", i, ww, hh, width, height)
		}
		plane := hh * ww
		base := i * 3 * plane
		for y := range hh {
			for x := range ww {
				r, g, b, _ := processed.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				rf := float32(r >> 8)
				gf := float32(g >> 8)
				bf := float32(b >> 8)
				for _, step := range normalize {
					rf, gf, bf = step.Apply(rf, gf, bf)
				}
				offset := y*ww + x
				data[base+offset] = rf
				data[base+plane+offset] = gf
				data[base+2*plane+offset] = bf
			}
		}
	}
	return data, []int64{int64(len(images)), 3, int64(height), int64(width)}, nil
}

// TensorToImages converts a flat NCHW buffer with values in [-1,1] to RGB
// images, mapping each value v to clamp((v+1)/2, 0, 1)*255.
func TensorToImages(data []float32, shape []int64) ([]image.Image, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("expected 4 dimensional image tensor, got shape %v", shape)
	}
	batch, channels, height, width := int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])
	if channels != 3 && channels != 1 {
		return nil, fmt.Errorf("expected 1 or 3 channels, got %d", channels)
	}
	if len(data) != batch*channels*height*width {
		return nil, fmt.Errorf("image tensor of shape %v has %d values", shape, len(data))
	}
	plane := height * width
	images := make([]image.Image, batch)
	for i := range batch {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		base := i * channels * plane
		for y := range height {
			for x := range width {
				offset := y*width + x
				var c [3]uint8
				for ch := range 3 {
					src := ch
					if channels == 1 {
						src = 0
					}
					c[ch] = safeconv.Float32ToUint8((data[base+src*plane+offset] + 1) / 2)
				}
				img.SetRGBA(x, y, color.RGBA{R: c[0], G: c[1], B: c[2], A: 255})
			}
		}
		images[i] = img
	}
	return images, nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SavePNG writes img as a PNG file to a local or remote path.
func SavePNG(path string, img image.Image) error {
	b, err := EncodePNG(img)
	if err != nil {
		return err
	}
	return fileutil.WriteFileBytes(path, b, "image/png")
}

// resizeImage resamples img to newW x newH with a Catmull-Rom (bicubic) kernel.
func resizeImage(img image.Image, newW, newH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}
