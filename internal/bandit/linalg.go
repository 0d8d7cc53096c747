package bandit

import "math"

// jitterEps is added to the diagonal when a Cholesky factorization fails,
// guarding solves against ill-conditioned posteriors.
const jitterEps = 1e-6

// symMatrix is a dense, row-major, symmetric D x D matrix. Contextual
// policies keep A in this form and factor it on demand rather than
// maintaining a cached inverse.
type symMatrix struct {
	d    int
	data []float64
}

func newSymMatrix(d int) *symMatrix {
	return &symMatrix{d: d, data: make([]float64, d*d)}
}

func newIdentity(d int, scale float64) *symMatrix {
	m := newSymMatrix(d)
	for i := 0; i < d; i++ {
		m.set(i, i, scale)
	}
	return m
}

func (m *symMatrix) at(i, j int) float64    { return m.data[i*m.d+j] }
func (m *symMatrix) set(i, j int, v float64) { m.data[i*m.d+j] = v }

func (m *symMatrix) addOuter(x []float64, scale float64) {
	for i := 0; i < m.d; i++ {
		xi := x[i] * scale
		if xi == 0 {
			continue
		}
		row := i * m.d
		for j := 0; j < m.d; j++ {
			m.data[row+j] += xi * x[j]
		}
	}
}

func (m *symMatrix) clone() *symMatrix {
	out := &symMatrix{d: m.d, data: make([]float64, len(m.data))}
	copy(out.data, m.data)
	return out
}

// cholesky computes the lower-triangular factor L such that L*L^T == m,
// retrying once with jitterEps*I added to the diagonal if the matrix is not
// numerically positive-definite.
func (m *symMatrix) cholesky() (*symMatrix, error) {
	l, err := choleskyAttempt(m)
	if err == nil {
		return l, nil
	}
	jittered := m.clone()
	for i := 0; i < jittered.d; i++ {
		jittered.set(i, i, jittered.at(i, i)+jitterEps)
	}
	return choleskyAttempt(jittered)
}

func choleskyAttempt(m *symMatrix) (*symMatrix, error) {
	d := m.d
	l := newSymMatrix(d)
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			sum := m.at(i, j)
			for k := 0; k < j; k++ {
				sum -= l.at(i, k) * l.at(j, k)
			}
			if i == j {
				if sum <= 0 {
					return nil, errNotPositiveDefinite
				}
				l.set(i, j, math.Sqrt(sum))
			} else {
				l.set(i, j, sum/l.at(j, j))
			}
		}
	}
	return l, nil
}

var errNotPositiveDefinite = errPD{}

type errPD struct{}

func (errPD) Error() string { return "bandit: matrix is not positive-definite" }

// solveFromCholesky solves m*x = b given m's lower Cholesky factor l, via
// forward then back substitution.
func solveFromCholesky(l *symMatrix, b []float64) []float64 {
	d := l.d
	y := make([]float64, d)
	for i := 0; i < d; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= l.at(i, k) * y[k]
		}
		y[i] = sum / l.at(i, i)
	}
	x := make([]float64, d)
	for i := d - 1; i >= 0; i-- {
		sum := y[i]
		for k := i + 1; k < d; k++ {
			sum -= l.at(k, i) * x[k]
		}
		x[i] = sum / l.at(i, i)
	}
	return x
}

// solveLTranspose solves l^T * x = z (back substitution only), used to turn
// a standard-normal draw z into a sample shifted by the Cholesky factor of
// the posterior covariance (Contextual Thompson Sampling).
func solveLTranspose(l *symMatrix, z []float64) []float64 {
	d := l.d
	x := make([]float64, d)
	for i := d - 1; i >= 0; i-- {
		sum := z[i]
		for k := i + 1; k < d; k++ {
			sum -= l.at(k, i) * x[k]
		}
		x[i] = sum / l.at(i, i)
	}
	return x
}

// dot is the plain inner product of two equal-length vectors.
func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// quadForm computes x^T * Ainv * x given Ainv's action via solve(A, x) — i.e.
// callers pass Ainv*x (already solved) and this just dots it with x.
func quadForm(x, ainvX []float64) float64 {
	return dot(x, ainvX)
}

// isPositiveDefinite reports whether a plain Cholesky factorization
// succeeds; invariant tests in this package use it to assert A stays
// positive-definite without duplicating the factorization logic.
func (m *symMatrix) isPositiveDefinite() bool {
	_, err := choleskyAttempt(m)
	return err == nil
}
