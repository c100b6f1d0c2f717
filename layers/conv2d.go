package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-srcnn/tensor"
)

// conv2DLayer is a 2D convolution lowered to a matrix product via im2col.
// Weights are laid out [out, in, k, k], which is already the row-major
// [out, in*k*k] matrix the product needs.
type conv2DLayer struct {
	name                string
	inC, outC           int
	kernel, stride, pad int

	weight *Parameter
	bias   *Parameter // nil when the layer has no bias
}

func newConv2DLayer(spec LayerSpec, rng *rand.Rand) (*conv2DLayer, error) {
	l := &conv2DLayer{
		name:   spec.Name,
		inC:    getIntParam(spec.Parameters, "input_channels", 0),
		outC:   getIntParam(spec.Parameters, "output_channels", 0),
		kernel: getIntParam(spec.Parameters, "kernel_size", 0),
		stride: getIntParam(spec.Parameters, "stride", 1),
		pad:    getIntParam(spec.Parameters, "padding", 0),
	}
	if l.inC <= 0 || l.outC <= 0 || l.kernel <= 0 {
		return nil, fmt.Errorf("incomplete Conv2D parameters %v", spec.Parameters)
	}

	var err error
	l.weight, err = newParameter(spec.Name, "weight", []int{l.outC, l.inC, l.kernel, l.kernel})
	if err != nil {
		return nil, err
	}
	normalInit(l.weight.Value.Data, getFloatParam(spec.Parameters, "init_std", DefaultInitStd), rng)

	if getBoolParam(spec.Parameters, "use_bias", true) {
		l.bias, err = newParameter(spec.Name, "bias", []int{l.outC})
		if err != nil {
			return nil, err
		}
	}

	return l, nil
}

func newParameter(layer, kind string, shape []int) (*Parameter, error) {
	value, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}
	grad, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}
	return &Parameter{
		Name:  layer + "." + kind,
		Layer: layer,
		Kind:  kind,
		Value: value,
		Grad:  grad,
	}, nil
}

func (l *conv2DLayer) Name() string    { return l.name }
func (l *conv2DLayer) Type() LayerType { return Conv2D }

func (l *conv2DLayer) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func (l *conv2DLayer) outputSize(h, w int) (int, int) {
	return (h+2*l.pad-l.kernel)/l.stride + 1, (w+2*l.pad-l.kernel)/l.stride + 1
}

// workingWeights returns the weights as the kernels should see them.
// Under reduced precision this is a rounded copy; the master stays intact.
func (l *conv2DLayer) workingWeights(opts ComputeOptions) []float32 {
	if opts.Round == nil {
		return l.weight.Value.Data
	}
	w := make([]float32, len(l.weight.Value.Data))
	copy(w, l.weight.Value.Data)
	opts.Round(w)
	return w
}

func (l *conv2DLayer) workingBias(opts ComputeOptions) []float32 {
	if l.bias == nil {
		return nil
	}
	if opts.Round == nil {
		return l.bias.Value.Data
	}
	b := make([]float32, len(l.bias.Value.Data))
	copy(b, l.bias.Value.Data)
	opts.Round(b)
	return b
}

func (l *conv2DLayer) checkInput(x *tensor.Tensor) (n, h, w int, err error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return 0, 0, 0, err
	}
	if c != l.inC {
		return 0, 0, 0, fmt.Errorf("expected %d input channels, got %d", l.inC, c)
	}
	oh, ow := l.outputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return 0, 0, 0, fmt.Errorf("input %dx%d too small for kernel %d", h, w, l.kernel)
	}
	return n, h, w, nil
}

func (l *conv2DLayer) Forward(x *tensor.Tensor, opts ComputeOptions) (*tensor.Tensor, error) {
	n, h, w, err := l.checkInput(x)
	if err != nil {
		return nil, err
	}
	oh, ow := l.outputSize(h, w)
	out, err := tensor.Zeros([]int{n, l.outC, oh, ow})
	if err != nil {
		return nil, err
	}

	kdim := l.inC * l.kernel * l.kernel
	ohw := oh * ow
	inSize := l.inC * h * w
	outSize := l.outC * ohw

	weights := blas32.General{Rows: l.outC, Cols: kdim, Stride: kdim, Data: l.workingWeights(opts)}
	bias := l.workingBias(opts)

	workers := opts.workers(n)
	pool := opts.pool()
	cols := make([][]float32, workers)
	for i := range cols {
		cols[i] = pool.GetFloat32Buffer(kdim * ohw)
	}
	defer func() {
		for _, c := range cols {
			pool.PutFloat32Buffer(c)
		}
	}()

	err = parallelSamples(n, workers, func(worker, s int) error {
		col := cols[worker]
		l.im2col(x.Data[s*inSize:(s+1)*inSize], h, w, oh, ow, col)

		y := out.Data[s*outSize : (s+1)*outSize]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			weights,
			blas32.General{Rows: kdim, Cols: ohw, Stride: ohw, Data: col},
			0,
			blas32.General{Rows: l.outC, Cols: ohw, Stride: ohw, Data: y})

		if bias != nil {
			for o := 0; o < l.outC; o++ {
				row := y[o*ohw : (o+1)*ohw]
				for i := range row {
					row[i] += bias[o]
				}
			}
		}
		opts.round(y)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (l *conv2DLayer) Backward(x, gradY *tensor.Tensor, opts ComputeOptions, needInputGrad bool) (*tensor.Tensor, error) {
	n, h, w, err := l.checkInput(x)
	if err != nil {
		return nil, err
	}
	oh, ow := l.outputSize(h, w)
	if gn, gc, gh, gw, err := gradY.Dims4(); err != nil || gn != n || gc != l.outC || gh != oh || gw != ow {
		return nil, fmt.Errorf("output gradient shape %v does not match [%d %d %d %d]", gradY.Shape, n, l.outC, oh, ow)
	}

	kdim := l.inC * l.kernel * l.kernel
	ohw := oh * ow
	inSize := l.inC * h * w
	outSize := l.outC * ohw

	var gradX *tensor.Tensor
	if needInputGrad {
		gradX, err = tensor.Zeros(x.Shape)
		if err != nil {
			return nil, err
		}
	}

	weights := blas32.General{Rows: l.outC, Cols: kdim, Stride: kdim, Data: l.workingWeights(opts)}

	workers := opts.workers(n)
	pool := opts.pool()
	type scratch struct {
		col, gradCol, gradW, gradB []float32
	}
	scratches := make([]scratch, workers)
	for i := range scratches {
		scratches[i] = scratch{
			col:   pool.GetFloat32Buffer(kdim * ohw),
			gradW: pool.GetFloat32Buffer(l.outC * kdim),
			gradB: pool.GetFloat32Buffer(l.outC),
		}
		if needInputGrad {
			scratches[i].gradCol = pool.GetFloat32Buffer(kdim * ohw)
		}
	}
	defer func() {
		for _, sc := range scratches {
			pool.PutFloat32Buffer(sc.col)
			pool.PutFloat32Buffer(sc.gradW)
			pool.PutFloat32Buffer(sc.gradB)
			if sc.gradCol != nil {
				pool.PutFloat32Buffer(sc.gradCol)
			}
		}
	}()

	err = parallelSamples(n, workers, func(worker, s int) error {
		sc := scratches[worker]
		l.im2col(x.Data[s*inSize:(s+1)*inSize], h, w, oh, ow, sc.col)

		gy := gradY.Data[s*outSize : (s+1)*outSize]
		gyMat := blas32.General{Rows: l.outC, Cols: ohw, Stride: ohw, Data: gy}

		// dW += dY * col^T
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			gyMat,
			blas32.General{Rows: kdim, Cols: ohw, Stride: ohw, Data: sc.col},
			1,
			blas32.General{Rows: l.outC, Cols: kdim, Stride: kdim, Data: sc.gradW})

		for o := 0; o < l.outC; o++ {
			var sum float32
			for _, v := range gy[o*ohw : (o+1)*ohw] {
				sum += v
			}
			sc.gradB[o] += sum
		}

		if needInputGrad {
			// dCol = W^T * dY
			blas32.Gemm(blas.Trans, blas.NoTrans, 1,
				weights,
				gyMat,
				0,
				blas32.General{Rows: kdim, Cols: ohw, Stride: ohw, Data: sc.gradCol})
			gx := gradX.Data[s*inSize : (s+1)*inSize]
			l.col2im(sc.gradCol, h, w, oh, ow, gx)
			opts.round(gx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reduce in worker order so results do not depend on scheduling.
	for _, sc := range scratches {
		for i, v := range sc.gradW {
			l.weight.Grad.Data[i] += v
		}
		if l.bias != nil {
			for i, v := range sc.gradB {
				l.bias.Grad.Data[i] += v
			}
		}
	}

	return gradX, nil
}

// im2col unrolls one [C, H, W] image into a [C*k*k, OH*OW] matrix.
func (l *conv2DLayer) im2col(img []float32, h, w, oh, ow int, col []float32) {
	k := l.kernel
	ohw := oh * ow
	for c := 0; c < l.inC; c++ {
		plane := img[c*h*w : (c+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := col[((c*k+ki)*k+kj)*ohw : ((c*k+ki)*k+kj+1)*ohw]
				for oy := 0; oy < oh; oy++ {
					iy := oy*l.stride - l.pad + ki
					dst := row[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= h {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					src := plane[iy*w : (iy+1)*w]
					for ox := 0; ox < ow; ox++ {
						ix := ox*l.stride - l.pad + kj
						if ix < 0 || ix >= w {
							dst[ox] = 0
						} else {
							dst[ox] = src[ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatters and sums columns back into
// an image buffer, which must be zeroed by the caller.
func (l *conv2DLayer) col2im(col []float32, h, w, oh, ow int, img []float32) {
	k := l.kernel
	ohw := oh * ow
	for c := 0; c < l.inC; c++ {
		plane := img[c*h*w : (c+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := col[((c*k+ki)*k+kj)*ohw : ((c*k+ki)*k+kj+1)*ohw]
				for oy := 0; oy < oh; oy++ {
					iy := oy*l.stride - l.pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					dst := plane[iy*w : (iy+1)*w]
					for ox := 0; ox < ow; ox++ {
						ix := ox*l.stride - l.pad + kj
						if ix >= 0 && ix < w {
							dst[ix] += row[oy*ow+ox]
						}
					}
				}
			}
		}
	}
}
