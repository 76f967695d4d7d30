package aggregate

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func decs(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, dec(v))
	}
	return out
}

func TestMedianEmpty(t *testing.T) {
	if _, ok := Median(nil); ok {
		t.Fatal("empty input should report no median")
	}
}

func TestMedianOdd(t *testing.T) {
	got, ok := Median(decs("3", "1", "2"))
	if !ok {
		t.Fatal("expected a median")
	}
	if !got.Equal(dec("2")) {
		t.Fatalf("expected 2, got %s", got)
	}
}

func TestMedianEvenTakesLowerMiddle(t *testing.T) {
	got, ok := Median(decs("4", "1", "3", "2"))
	if !ok {
		t.Fatal("expected a median")
	}
	if !got.Equal(dec("2")) {
		t.Fatalf("expected lower-middle 2, got %s", got)
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	values := decs("3", "1", "2")
	if _, ok := Median(values); !ok {
		t.Fatal("expected a median")
	}
	if !values[0].Equal(dec("3")) {
		t.Fatal("input slice was reordered")
	}
}

func TestTrimmedMedianDropsOutliers(t *testing.T) {
	got, ok := TrimmedMedian(decs("1", "2", "3", "4", "100"), 0.2)
	if !ok {
		t.Fatal("expected a median")
	}
	if !got.Equal(dec("3")) {
		t.Fatalf("expected 3 after trimming one value per side, got %s", got)
	}
}

func TestTrimmedMedianSmallInputSkipsTrim(t *testing.T) {
	// Trimming two values from four would leave nothing useful, so no
	// values are dropped and the plain median applies.
	got, ok := TrimmedMedian(decs("1", "100"), 0.5)
	if !ok {
		t.Fatal("expected a median")
	}
	if !got.Equal(dec("1")) {
		t.Fatalf("expected 1, got %s", got)
	}
}

func TestTrimmedMedianEmpty(t *testing.T) {
	if _, ok := TrimmedMedian(nil, 0.2); ok {
		t.Fatal("empty input should report no median")
	}
}
