package classifier

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/oomwoo/raspberry-pi/internal/fsutil"
	"github.com/oomwoo/raspberry-pi/internal/link"
)

// Params is the persisted form of a Linear model.
type Params struct {
	Classes []string   `msgpack:"classes"`
	Width   int        `msgpack:"width"`
	Height  int        `msgpack:"height"`
	Mean    [3]float64 `msgpack:"mean"`
	Scale   float64    `msgpack:"scale"`
	// Weights is row-major, one row of Width*Height*3 inputs per class.
	Weights []float64 `msgpack:"weights"`
	Bias    []float64 `msgpack:"bias"`
}

// Prediction is a full classifier answer.
type Prediction struct {
	Label link.Label
	Probs []float64
}

// Linear is a softmax regression over the normalised frame.
type Linear struct {
	pre    Preprocessor
	labels []link.Label
	w      *mat.Dense
	b      *mat.VecDense
}

// NewLinear validates p and builds the model.
func NewLinear(p Params) (*Linear, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: input %dx%d", ErrShape, p.Width, p.Height)
	}
	if len(p.Classes) == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrShape)
	}
	labels := make([]link.Label, len(p.Classes))
	for i, name := range p.Classes {
		l, err := link.ParseLabel(name)
		if err != nil {
			return nil, err
		}
		labels[i] = l
	}

	pre := Preprocessor{Width: p.Width, Height: p.Height, Mean: p.Mean, Scale: p.Scale}
	rows, cols := len(p.Classes), pre.Len()
	if len(p.Weights) != rows*cols {
		return nil, fmt.Errorf("%w: %d weights, want %dx%d", ErrShape, len(p.Weights), rows, cols)
	}
	if len(p.Bias) != rows {
		return nil, fmt.Errorf("%w: %d biases, want %d", ErrShape, len(p.Bias), rows)
	}

	return &Linear{
		pre:    pre,
		labels: labels,
		w:      mat.NewDense(rows, cols, append([]float64(nil), p.Weights...)),
		b:      mat.NewVecDense(rows, append([]float64(nil), p.Bias...)),
	}, nil
}

// Load decodes msgpack parameters from r.
func Load(r io.Reader) (*Linear, error) {
	var p Params
	if err := msgpack.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode model params: %w", err)
	}
	return NewLinear(p)
}

// LoadFile reads a parameter file through fs.
func LoadFile(fs fsutil.FileSystem, path string) (*Linear, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	var p Params
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	return NewLinear(p)
}

// Save encodes p as msgpack.
func Save(w io.Writer, p Params) error {
	return msgpack.NewEncoder(w).Encode(&p)
}

// Preprocessor returns the input normalisation the model was trained with.
func (m *Linear) Preprocessor() Preprocessor { return m.pre }

// Predict runs the model on an already-prepared input vector.
func (m *Linear) Predict(x []float64) (Prediction, error) {
	rows, cols := m.w.Dims()
	if len(x) != cols {
		return Prediction{}, fmt.Errorf("%w: input length %d, want %d", ErrShape, len(x), cols)
	}
	var logits mat.VecDense
	logits.MulVec(m.w, mat.NewVecDense(cols, x))
	logits.AddVec(&logits, m.b)

	probs := softmax(logits.RawVector().Data[:rows])
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return Prediction{Label: m.labels[best], Probs: probs}, nil
}

// Infer implements Classifier.
func (m *Linear) Infer(ctx context.Context, img image.Image) (link.Label, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := m.Predict(m.pre.Prepare(img))
	if err != nil {
		return 0, err
	}
	return p.Label, nil
}

func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	hi := math.Inf(-1)
	for _, v := range z {
		hi = math.Max(hi, v)
	}
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
