package mosaic

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/prl900/tilebot/rastreader"
)

// PixelSelection names the way overlapping assets are combined into one
// tile.
type PixelSelection string

const (
	First   PixelSelection = "first"
	Highest PixelSelection = "highest"
	Lowest  PixelSelection = "lowest"
	Mean    PixelSelection = "mean"
	Median  PixelSelection = "median"
	Stdev   PixelSelection = "stdev"
)

// Method accumulates asset tiles. Feed is called once per asset in mosaic
// order until Done reports true or the assets run out.
type Method interface {
	Feed(img *rastreader.ImageData) error
	Done() bool
	// Result is nil when nothing was fed.
	Result() *rastreader.ImageData
}

var methods = map[PixelSelection]func() Method{
	First:   func() Method { return &firstMethod{} },
	Highest: func() Method { return &extremeMethod{keep: func(a, b float32) bool { return b > a }} },
	Lowest:  func() Method { return &extremeMethod{keep: func(a, b float32) bool { return b < a }} },
	Mean:    func() Method { return &statMethod{reduce: mean} },
	Median:  func() Method { return &statMethod{reduce: median} },
	Stdev:   func() Method { return &statMethod{reduce: stdev} },
}

func ParsePixelSelection(s string) (PixelSelection, error) {
	p := PixelSelection(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := methods[p]; !ok {
		return "", fmt.Errorf("unknown pixel selection %q (available: %s)", s, strings.Join(PixelSelections(), ", "))
	}
	return p, nil
}

func PixelSelections() []string {
	names := make([]string, 0, len(methods))
	for p := range methods {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// NewMethod returns a fresh accumulator for p; the empty selection is
// First.
func NewMethod(p PixelSelection) (Method, error) {
	if p == "" {
		p = First
	}
	newMethod, ok := methods[p]
	if !ok {
		return nil, fmt.Errorf("unknown pixel selection %q", p)
	}
	return newMethod(), nil
}

func checkShape(acc, img *rastreader.ImageData) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if acc != nil && !acc.SameShape(img) {
		return fmt.Errorf("asset tile shape (%d, %d, %d) does not match (%d, %d, %d)",
			img.Bands, img.Height, img.Width, acc.Bands, acc.Height, acc.Width)
	}
	return nil
}

func clone(img *rastreader.ImageData) *rastreader.ImageData {
	out := rastreader.NewImageData(img.Bands, img.Height, img.Width)
	copy(out.Data, img.Data)
	copy(out.Mask, img.Mask)
	return out
}

// firstMethod keeps the first valid value of every pixel.
type firstMethod struct {
	tile *rastreader.ImageData
}

func (m *firstMethod) Feed(img *rastreader.ImageData) error {
	if err := checkShape(m.tile, img); err != nil {
		return err
	}
	if m.tile == nil {
		m.tile = clone(img)
		return nil
	}

	n := img.Height * img.Width
	for p := range m.tile.Mask {
		if m.tile.Mask[p] != rastreader.Invalid || img.Mask[p] == rastreader.Invalid {
			continue
		}
		for b := 0; b < img.Bands; b++ {
			m.tile.Data[b*n+p] = img.Data[b*n+p]
		}
		m.tile.Mask[p] = rastreader.Valid
	}
	return nil
}

func (m *firstMethod) Done() bool {
	if m.tile == nil {
		return false
	}
	for _, v := range m.tile.Mask {
		if v == rastreader.Invalid {
			return false
		}
	}
	return true
}

func (m *firstMethod) Result() *rastreader.ImageData { return m.tile }

// extremeMethod keeps, band by band, the value b over the current a when
// keep(a, b) holds.
type extremeMethod struct {
	keep func(a, b float32) bool
	tile *rastreader.ImageData
}

func (m *extremeMethod) Feed(img *rastreader.ImageData) error {
	if err := checkShape(m.tile, img); err != nil {
		return err
	}
	if m.tile == nil {
		m.tile = clone(img)
		return nil
	}

	n := img.Height * img.Width
	for p := range m.tile.Mask {
		if img.Mask[p] == rastreader.Invalid {
			continue
		}
		fresh := m.tile.Mask[p] == rastreader.Invalid
		for b := 0; b < img.Bands; b++ {
			i := b*n + p
			if fresh || m.keep(m.tile.Data[i], img.Data[i]) {
				m.tile.Data[i] = img.Data[i]
			}
		}
		m.tile.Mask[p] = rastreader.Valid
	}
	return nil
}

func (m *extremeMethod) Done() bool { return false }

func (m *extremeMethod) Result() *rastreader.ImageData { return m.tile }

// statMethod keeps every fed tile and reduces the valid values of each
// pixel when the result is asked for.
type statMethod struct {
	reduce func(values []float64) float64
	stack  []*rastreader.ImageData
}

func (m *statMethod) Feed(img *rastreader.ImageData) error {
	var first *rastreader.ImageData
	if len(m.stack) > 0 {
		first = m.stack[0]
	}
	if err := checkShape(first, img); err != nil {
		return err
	}
	m.stack = append(m.stack, img)
	return nil
}

func (m *statMethod) Done() bool { return false }

func (m *statMethod) Result() *rastreader.ImageData {
	if len(m.stack) == 0 {
		return nil
	}
	first := m.stack[0]
	out := rastreader.NewImageData(first.Bands, first.Height, first.Width)
	n := first.Height * first.Width

	values := make([]float64, 0, len(m.stack))
	for p := 0; p < n; p++ {
		for b := 0; b < first.Bands; b++ {
			values = values[:0]
			for _, img := range m.stack {
				if img.Mask[p] != rastreader.Invalid {
					values = append(values, float64(img.Data[b*n+p]))
				}
			}
			if len(values) == 0 {
				continue
			}
			out.Data[b*n+p] = float32(m.reduce(values))
			out.Mask[p] = rastreader.Valid
		}
	}
	return out
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// stdev is the population standard deviation.
func stdev(values []float64) float64 {
	m := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(values)))
}
