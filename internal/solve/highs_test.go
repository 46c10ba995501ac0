package solve

import (
	"errors"
	"math"
	"testing"

	"github.com/mkessel/dynopt/internal/symbolic"
)

func mustExpr(t *testing.T, src string) symbolic.Expr {
	t.Helper()
	e, err := symbolic.ParseExpr(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return e
}

func TestQuadifyLinear(t *testing.T) {
	q, err := quadify(mustExpr(t, "3*x - y/2 + 1"), nil)
	if err != nil {
		t.Fatalf("quadify: %v", err)
	}
	if !q.isLinear() || q.isConst() {
		t.Fatalf("form = %+v", q)
	}
	if q.lin["x"] != 3 || q.lin["y"] != -0.5 || q.off != 1 {
		t.Fatalf("form = %+v", q)
	}
}

func TestQuadifySquare(t *testing.T) {
	q, err := quadify(mustExpr(t, "(x - 2)^2"), nil)
	if err != nil {
		t.Fatalf("quadify: %v", err)
	}
	if q.quad[[2]string{"x", "x"}] != 1 || q.lin["x"] != -4 || q.off != 4 {
		t.Fatalf("form = %+v", q)
	}
}

func TestQuadifyCrossTerm(t *testing.T) {
	q, err := quadify(mustExpr(t, "2*x*y + y*x"), nil)
	if err != nil {
		t.Fatalf("quadify: %v", err)
	}
	// Cross terms collapse onto one ordered key.
	if q.quad[[2]string{"x", "y"}] != 3 {
		t.Fatalf("form = %+v", q)
	}
	if len(q.lin) != 0 || q.off != 0 {
		t.Fatalf("form = %+v", q)
	}
}

func TestQuadifyWeightedDeviation(t *testing.T) {
	q, err := quadify(mustExpr(t, "0.5*(x - 3)^2 + 2*(y - 1)^2"), nil)
	if err != nil {
		t.Fatalf("quadify: %v", err)
	}
	if q.quad[[2]string{"x", "x"}] != 0.5 || q.quad[[2]string{"y", "y"}] != 2 {
		t.Fatalf("form = %+v", q)
	}
	if q.lin["x"] != -3 || q.lin["y"] != -4 {
		t.Fatalf("form = %+v", q)
	}
	if math.Abs(q.off-6.5) > 1e-12 {
		t.Fatalf("offset = %g", q.off)
	}
}

func TestQuadifyConstantCall(t *testing.T) {
	funcs := map[string]symbolic.Func{"demand": func(x float64) float64 { return 2 * x }}
	q, err := quadify(mustExpr(t, "demand(3) * x"), funcs)
	if err != nil {
		t.Fatalf("quadify: %v", err)
	}
	if q.lin["x"] != 6 {
		t.Fatalf("form = %+v", q)
	}
}

func TestQuadifyRejectsHigherDegree(t *testing.T) {
	for _, src := range []string{"x^3", "x*y*x", "x^2 * y", "demand(x)"} {
		_, err := quadify(mustExpr(t, src), nil)
		var nlerr *symbolic.ErrNonlinear
		if !errors.As(err, &nlerr) {
			t.Fatalf("%q: want ErrNonlinear, got %v", src, err)
		}
	}
}
