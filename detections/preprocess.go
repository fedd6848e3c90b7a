package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// letterbox describes how an original image was placed on the model canvas.
type letterbox struct {
	gain      float64
	padLeft   int
	padTop    int
	srcWidth  int
	srcHeight int
}

func newLetterbox(srcWidth, srcHeight, dstWidth, dstHeight int) letterbox {
	gain := math.Min(float64(dstHeight)/float64(srcHeight), float64(dstWidth)/float64(srcWidth))
	newW, newH := scaledSize(srcWidth, srcHeight, gain)
	dw := float64(dstWidth-newW) / 2
	dh := float64(dstHeight-newH) / 2

	return letterbox{
		gain:      gain,
		padLeft:   int(math.Round(dw - 0.1)),
		padTop:    int(math.Round(dh - 0.1)),
		srcWidth:  srcWidth,
		srcHeight: srcHeight,
	}
}

func scaledSize(width, height int, gain float64) (int, int) {
	return max(1, int(math.Round(float64(width)*gain))), max(1, int(math.Round(float64(height)*gain)))
}

// render resizes img keeping its aspect ratio and pastes it onto a canvas
// filled with the pad colour.
func (lb letterbox) render(img image.Image, width, height int) *image.NRGBA {
	newW, newH := scaledSize(lb.srcWidth, lb.srcHeight, lb.gain)

	canvas := imaging.New(width, height, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	if newW == lb.srcWidth && newH == lb.srcHeight {
		return imaging.Paste(canvas, img, image.Pt(lb.padLeft, lb.padTop))
	}

	resized := imaging.Resize(img, newW, newH, imaging.Linear)
	return imaging.Paste(canvas, resized, image.Pt(lb.padLeft, lb.padTop))
}

// unscale maps a box from canvas coordinates back onto the original image and
// clips it to the image bounds.
func (lb letterbox) unscale(box [4]float32) [4]float32 {
	w := float64(lb.srcWidth)
	h := float64(lb.srcHeight)

	x1 := clip((float64(box[0])-float64(lb.padLeft))/lb.gain, w)
	y1 := clip((float64(box[1])-float64(lb.padTop))/lb.gain, h)
	x2 := clip((float64(box[2])-float64(lb.padLeft))/lb.gain, w)
	y2 := clip((float64(box[3])-float64(lb.padTop))/lb.gain, h)

	return [4]float32{float32(x1), float32(y1), float32(x2), float32(y2)}
}

func clip(v, upper float64) float64 {
	return math.Min(math.Max(v, 0), upper)
}

// fillTensor writes pic as normalised planar RGB into dst, splitting rows
// across workers.
func fillTensor(pic *image.NRGBA, dst []float32, width, height int) {
	channelSize := width * height
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > height {
		numWorkers = height
	}
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := pic.Pix[y*pic.Stride : y*pic.Stride+width*4]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					dst[i] = float32(row[x*4]) / 255.0
					dst[channelSize+i] = float32(row[x*4+1]) / 255.0
					dst[channelSize*2+i] = float32(row[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
