package basel

import (
	"math"
	"math/big"
	"sort"
	"time"
)

// seriesPrec is the mantissa size of every decimal value flowing into
// persisted columns. 128 bits keeps ~38 significant decimal digits.
const seriesPrec = 128

// Day counts whole UTC days since the Unix epoch.
type Day int64

func DayOfTimestamp(ts int64) Day {
	if ts < 0 {
		return Day((ts - 86399) / 86400)
	}
	return Day(ts / 86400)
}

func (d Day) Unix() int64 { return int64(d) * 86400 }

func (d Day) Time() time.Time { return time.Unix(d.Unix(), 0).UTC() }

// Yesterday returns the last fully elapsed UTC day relative to now.
func Yesterday(now time.Time) Day { return DayOfTimestamp(now.Unix()) - 1 }

func newDec() *big.Float { return new(big.Float).SetPrec(seriesPrec) }

// Dec converts a float64 into a series decimal. NaN maps to nil, the
// series' missing-value marker.
func Dec(v float64) *big.Float {
	if math.IsNaN(v) {
		return nil
	}
	if math.IsInf(v, 1) {
		return newDec().SetInf(false)
	}
	if math.IsInf(v, -1) {
		return newDec().SetInf(true)
	}
	return newDec().SetFloat64(v)
}

// ParseDec parses a decimal string at series precision.
func ParseDec(s string) (*big.Float, bool) {
	f, ok := newDec().SetString(s)
	if !ok {
		return nil, false
	}
	return f, true
}

// FormatDec renders a decimal for persistence. The format is deterministic
// for equal inputs.
func FormatDec(f *big.Float) string {
	if f == nil {
		return "NaN"
	}
	return f.Text('g', 38)
}

func cloneDec(f *big.Float) *big.Float {
	if f == nil {
		return nil
	}
	return newDec().Copy(f)
}

func isZero(f *big.Float) bool { return f.Sign() == 0 && !f.IsInf() }

// safeAdd mirrors IEEE float addition: Inf + -Inf is missing (NaN).
func safeAdd(a, b *big.Float) *big.Float {
	if a == nil || b == nil {
		return nil
	}
	if a.IsInf() && b.IsInf() && a.Signbit() != b.Signbit() {
		return nil
	}
	return newDec().Add(a, b)
}

func safeSub(a, b *big.Float) *big.Float {
	if a == nil || b == nil {
		return nil
	}
	if a.IsInf() && b.IsInf() && a.Signbit() == b.Signbit() {
		return nil
	}
	return newDec().Sub(a, b)
}

// safeMul mirrors IEEE float multiplication: Inf * 0 is missing (NaN).
func safeMul(a, b *big.Float) *big.Float {
	if a == nil || b == nil {
		return nil
	}
	if (a.IsInf() && isZero(b)) || (b.IsInf() && isZero(a)) {
		return nil
	}
	return newDec().Mul(a, b)
}

// safeQuo mirrors IEEE float division: x/0 is signed Inf, 0/0 is missing.
func safeQuo(a, b *big.Float) *big.Float {
	if a == nil || b == nil {
		return nil
	}
	if isZero(b) {
		if isZero(a) {
			return nil
		}
		return newDec().SetInf(a.Signbit())
	}
	if a.IsInf() && b.IsInf() {
		return nil
	}
	return newDec().Quo(a, b)
}

// Series is a contiguous daily time series of decimals. A nil entry marks a
// missing observation. Values are never shared between series; every
// operation returns a freshly allocated result.
type Series struct {
	start Day
	vals  []*big.Float
}

func NewSeries(start Day, vals []*big.Float) *Series {
	out := make([]*big.Float, len(vals))
	for i, v := range vals {
		out[i] = cloneDec(v)
	}
	return &Series{start: start, vals: out}
}

// Constant builds a series of n copies of v starting at start.
func Constant(start Day, n int, v *big.Float) *Series {
	vals := make([]*big.Float, n)
	for i := range vals {
		vals[i] = cloneDec(v)
	}
	return &Series{start: start, vals: vals}
}

func (s *Series) Len() int { return len(s.vals) }

func (s *Series) IsEmpty() bool { return s == nil || len(s.vals) == 0 }

func (s *Series) Start() Day { return s.start }

func (s *Series) End() Day { return s.start + Day(len(s.vals)) - 1 }

// At returns the value on the given day, nil when missing or out of range.
func (s *Series) At(d Day) *big.Float {
	if s.IsEmpty() || d < s.start || d > s.End() {
		return nil
	}
	return s.vals[d-s.start]
}

func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	return NewSeries(s.start, s.vals)
}

// Days returns every day of the series range in order.
func (s *Series) Days() []Day {
	days := make([]Day, len(s.vals))
	for i := range s.vals {
		days[i] = s.start + Day(i)
	}
	return days
}

func unionRange(a, b *Series) (Day, Day, bool) {
	switch {
	case a.IsEmpty() && b.IsEmpty():
		return 0, 0, false
	case a.IsEmpty():
		return b.start, b.End(), true
	case b.IsEmpty():
		return a.start, a.End(), true
	}
	start, end := a.start, a.End()
	if b.start < start {
		start = b.start
	}
	if b.End() > end {
		end = b.End()
	}
	return start, end, true
}

func (s *Series) combine(o *Series, f func(a, b *big.Float) *big.Float) *Series {
	start, end, ok := unionRange(s, o)
	if !ok {
		return &Series{}
	}
	vals := make([]*big.Float, end-start+1)
	for d := start; d <= end; d++ {
		vals[d-start] = f(s.At(d), o.At(d))
	}
	return &Series{start: start, vals: vals}
}

// Add aligns on the union of both ranges; the result is missing wherever
// either side is.
func (s *Series) Add(o *Series) *Series { return s.combine(o, safeAdd) }

func (s *Series) Sub(o *Series) *Series { return s.combine(o, safeSub) }

func (s *Series) Mul(o *Series) *Series { return s.combine(o, safeMul) }

func (s *Series) Div(o *Series) *Series { return s.combine(o, safeQuo) }

// AddFill aligns on the union and substitutes fill for a missing side; the
// result is missing only where both sides are.
func (s *Series) AddFill(o *Series, fill *big.Float) *Series {
	return s.combine(o, func(a, b *big.Float) *big.Float {
		if a == nil && b == nil {
			return nil
		}
		if a == nil {
			a = fill
		}
		if b == nil {
			b = fill
		}
		return safeAdd(a, b)
	})
}

// Max takes the elementwise maximum, skipping missing values on one side.
func (s *Series) Max(o *Series) *Series {
	return s.combine(o, func(a, b *big.Float) *big.Float {
		switch {
		case a == nil:
			return cloneDec(b)
		case b == nil:
			return cloneDec(a)
		case a.Cmp(b) >= 0:
			return cloneDec(a)
		default:
			return cloneDec(b)
		}
	})
}

// Scale multiplies every value by v.
func (s *Series) Scale(v *big.Float) *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		vals[i] = safeMul(x, v)
	}
	return &Series{start: s.start, vals: vals}
}

// AddScalar adds v to every value.
func (s *Series) AddScalar(v *big.Float) *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		vals[i] = safeAdd(x, v)
	}
	return &Series{start: s.start, vals: vals}
}

func (s *Series) Neg() *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		if x != nil {
			vals[i] = newDec().Neg(x)
		}
	}
	return &Series{start: s.start, vals: vals}
}

func (s *Series) Abs() *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		if x != nil {
			vals[i] = newDec().Abs(x)
		}
	}
	return &Series{start: s.start, vals: vals}
}

// Sqrt takes elementwise square roots; negative values become missing.
func (s *Series) Sqrt() *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		if x == nil || x.Sign() < 0 {
			continue
		}
		vals[i] = newDec().Sqrt(x)
	}
	return &Series{start: s.start, vals: vals}
}

// Pow2 squares every value.
func (s *Series) Pow2() *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		vals[i] = safeMul(x, x)
	}
	return &Series{start: s.start, vals: vals}
}

// Diff is the first difference; the first element becomes missing.
func (s *Series) Diff() *Series {
	vals := make([]*big.Float, len(s.vals))
	for i := 1; i < len(s.vals); i++ {
		vals[i] = safeSub(s.vals[i], s.vals[i-1])
	}
	return &Series{start: s.start, vals: vals}
}

// Shift moves every value one day forward; the first element becomes missing.
func (s *Series) Shift() *Series {
	vals := make([]*big.Float, len(s.vals))
	for i := 1; i < len(s.vals); i++ {
		vals[i] = cloneDec(s.vals[i-1])
	}
	return &Series{start: s.start, vals: vals}
}

// CumSum is the running sum; missing entries stay missing and do not affect
// the running total.
func (s *Series) CumSum() *Series {
	vals := make([]*big.Float, len(s.vals))
	run := newDec()
	for i, x := range s.vals {
		if x == nil {
			continue
		}
		run = safeAdd(run, x)
		vals[i] = cloneDec(run)
	}
	return &Series{start: s.start, vals: vals}
}

// Clip bounds values to [lower, upper]; nil bounds are open.
func (s *Series) Clip(lower, upper *big.Float) *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		if x == nil {
			continue
		}
		v := cloneDec(x)
		if lower != nil && v.Cmp(lower) < 0 {
			v = cloneDec(lower)
		}
		if upper != nil && v.Cmp(upper) > 0 {
			v = cloneDec(upper)
		}
		vals[i] = v
	}
	return &Series{start: s.start, vals: vals}
}

// FillNA replaces missing values with v.
func (s *Series) FillNA(v *big.Float) *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		if x == nil {
			vals[i] = cloneDec(v)
		} else {
			vals[i] = cloneDec(x)
		}
	}
	return &Series{start: s.start, vals: vals}
}

// FFill propagates the last observation forward over missing entries.
func (s *Series) FFill() *Series {
	vals := make([]*big.Float, len(s.vals))
	var last *big.Float
	for i, x := range s.vals {
		if x != nil {
			last = x
		}
		vals[i] = cloneDec(last)
	}
	return &Series{start: s.start, vals: vals}
}

// Reindex maps the series onto [start, end]. With ffill, each day takes the
// most recent source observation at or before it; otherwise only exact
// matches survive.
func (s *Series) Reindex(start, end Day, ffill bool) *Series {
	if end < start {
		return &Series{}
	}
	vals := make([]*big.Float, end-start+1)
	for d := start; d <= end; d++ {
		v := s.At(d)
		if v == nil && ffill && !s.IsEmpty() {
			hi := d - 1
			if hi > s.End() {
				hi = s.End()
			}
			for b := hi; b >= s.start; b-- {
				if x := s.At(b); x != nil {
					v = x
					break
				}
			}
		}
		vals[d-start] = cloneDec(v)
	}
	return &Series{start: start, vals: vals}
}

// rolling applies agg to the non-missing values of each trailing window,
// yielding missing when fewer than minPeriods observations are present.
// A centered window covers [i-window/2, i+window/2].
func (s *Series) rolling(window, minPeriods int, centered bool, agg func([]*big.Float) *big.Float) *Series {
	if minPeriods < 1 {
		minPeriods = 1
	}
	vals := make([]*big.Float, len(s.vals))
	for i := range s.vals {
		lo, hi := i-window+1, i
		if centered {
			lo, hi = i-window/2, i+window/2
		}
		if lo < 0 {
			lo = 0
		}
		if hi >= len(s.vals) {
			hi = len(s.vals) - 1
		}
		var obs []*big.Float
		for j := lo; j <= hi; j++ {
			if s.vals[j] != nil {
				obs = append(obs, s.vals[j])
			}
		}
		if len(obs) < minPeriods {
			continue
		}
		vals[i] = agg(obs)
	}
	return &Series{start: s.start, vals: vals}
}

// RollingSum is a trailing windowed sum skipping missing values.
func (s *Series) RollingSum(window, minPeriods int) *Series {
	return s.rolling(window, minPeriods, false, func(obs []*big.Float) *big.Float {
		sum := newDec()
		for _, v := range obs {
			sum = safeAdd(sum, v)
		}
		return sum
	})
}

// RollingSumCentered is a centered windowed sum skipping missing values.
func (s *Series) RollingSumCentered(window, minPeriods int) *Series {
	return s.rolling(window, minPeriods, true, func(obs []*big.Float) *big.Float {
		sum := newDec()
		for _, v := range obs {
			sum = safeAdd(sum, v)
		}
		return sum
	})
}

// RollingMedian is a trailing windowed median skipping missing values.
func (s *Series) RollingMedian(window, minPeriods int) *Series {
	return s.rolling(window, minPeriods, false, func(obs []*big.Float) *big.Float {
		sorted := make([]*big.Float, len(obs))
		copy(sorted, obs)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
		n := len(sorted)
		if n%2 == 1 {
			return cloneDec(sorted[n/2])
		}
		mid := safeAdd(sorted[n/2-1], sorted[n/2])
		if mid == nil {
			return nil
		}
		return mid.Quo(mid, newDec().SetInt64(2))
	})
}

// Apply maps every value through a float64 function. Precision narrows to
// float64 across the call, matching the float-typed steps of the pipeline.
func (s *Series) Apply(f func(float64) float64) *Series {
	vals := make([]*big.Float, len(s.vals))
	for i, x := range s.vals {
		if x == nil {
			continue
		}
		v, _ := x.Float64()
		vals[i] = Dec(f(v))
	}
	return &Series{start: s.start, vals: vals}
}

// SumSkipNA sums series over their union range skipping missing values, so
// a day where every series is missing still yields zero. This mirrors a
// row-wise frame sum.
func SumSkipNA(series ...*Series) *Series {
	var present []*Series
	for _, s := range series {
		if !s.IsEmpty() {
			present = append(present, s)
		}
	}
	if len(present) == 0 {
		return &Series{}
	}
	start, end := present[0].Start(), present[0].End()
	for _, s := range present[1:] {
		if s.Start() < start {
			start = s.Start()
		}
		if s.End() > end {
			end = s.End()
		}
	}
	out := Constant(start, int(end-start+1), newDec())
	zero := newDec()
	for _, s := range present {
		out = out.AddFill(s, zero)
	}
	return out
}

// SumSeries aligns the given series on their union range and adds them with
// a fill value of zero. Empty input yields an empty series.
func SumSeries(series ...*Series) *Series {
	zero := newDec()
	var out *Series
	for _, s := range series {
		if s.IsEmpty() {
			continue
		}
		if out == nil {
			out = s.Clone()
			continue
		}
		out = out.AddFill(s, zero)
	}
	if out == nil {
		return &Series{}
	}
	return out
}
