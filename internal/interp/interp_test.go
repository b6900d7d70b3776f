package interp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/prodigy-dev/prodigy/internal/core"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	ctx.Set("name", "prodigy")
	ctx.Set("item.id", "item-3")
	ctx.Set("item", map[string]any{
		"id":   "item-3",
		"tags": []any{"a", "b", "c"},
		"spec": map[string]any{"depth": float64(2)},
	})
	ctx.Set("map.total", float64(10))
	ctx.Set("map.results", []any{
		map[string]any{"item_id": "item-0", "status": "success"},
		map[string]any{"item_id": "item-1", "status": "failed"},
	})
	return ctx
}

func TestInterpolate_Simple(t *testing.T) {
	got, err := Interpolate("hello ${name}", testContext(t), false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello prodigy" {
		t.Errorf("got %q", got)
	}
}

func TestInterpolate_LongestPrefixWins(t *testing.T) {
	// Both "item" and "item.id" are bound; the longer dotted prefix is taken.
	got, err := Interpolate("${item.id}", testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "item-3" {
		t.Errorf("got %q", got)
	}
}

func TestInterpolate_NavigationIntoValue(t *testing.T) {
	ctx := testContext(t)

	got, err := Interpolate("${item.spec.depth}", ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2" {
		t.Errorf("depth = %q", got)
	}

	got, err = Interpolate("${item.tags[1]}", ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" {
		t.Errorf("tags[1] = %q", got)
	}

	got, err = Interpolate("${map.results[0].item_id}", ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "item-0" {
		t.Errorf("results[0].item_id = %q", got)
	}
}

func TestInterpolate_ObjectRendersAsJSON(t *testing.T) {
	got, err := Interpolate("${map.results}", testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	var arr []map[string]any
	if err := json.Unmarshal([]byte(got), &arr); err != nil {
		t.Fatalf("rendered value is not JSON: %v", err)
	}
	if len(arr) != 2 {
		t.Errorf("len = %d", len(arr))
	}
}

func TestInterpolate_Default(t *testing.T) {
	got, err := Interpolate("${missing:-fallback}", testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "fallback" {
		t.Errorf("got %q", got)
	}

	// Bound variables ignore the default.
	got, err = Interpolate("${name:-other}", testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "prodigy" {
		t.Errorf("got %q", got)
	}
}

func TestInterpolate_StrictFailsWithPath(t *testing.T) {
	_, err := Interpolate("${no.such.var}", testContext(t), true)
	if err == nil {
		t.Fatal("expected error")
	}
	var domErr *core.DomainError
	if !errors.As(err, &domErr) {
		t.Fatal("not a DomainError")
	}
	if domErr.Category != core.ErrCatInterpolation {
		t.Errorf("category = %v", domErr.Category)
	}
	if domErr.Details["path"] != "no.such.var" {
		t.Errorf("path detail = %v", domErr.Details["path"])
	}
}

func TestInterpolate_NonStrictLeavesLiteral(t *testing.T) {
	got, err := Interpolate("x ${no.such.var} y", testContext(t), false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "x ${no.such.var} y" {
		t.Errorf("got %q", got)
	}
}

func TestInterpolate_Escape(t *testing.T) {
	got, err := Interpolate("cost: $$5 for ${name}", testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "cost: $5 for prodigy" {
		t.Errorf("got %q", got)
	}
}

func TestInterpolate_BareDollar(t *testing.T) {
	got, err := Interpolate("test $((1 % 5)) -ne 0", testContext(t), false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "test $((1 % 5)) -ne 0" {
		t.Errorf("got %q", got)
	}
}

func TestInterpolate_Idempotent(t *testing.T) {
	// No substituted value contains a $ token, so a second pass is identity.
	ctx := testContext(t)
	once, err := Interpolate("item=${item.id} total=${map.total}", ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Interpolate(once, ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("not idempotent: %q vs %q", once, twice)
	}
}

func TestInterpolate_SubstitutedTokenStaysLiteral(t *testing.T) {
	ctx := NewContext()
	ctx.Set("outer", "${inner}")
	ctx.Set("inner", "secret")

	got, err := Interpolate("${outer}", ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	// Single pass only: the substituted value is not re-expanded.
	if got != "${inner}" {
		t.Errorf("got %q", got)
	}
}

func TestContext_Scalars(t *testing.T) {
	ctx := testContext(t)
	scalars := ctx.Scalars()

	if scalars["name"] != "prodigy" {
		t.Errorf("name = %q", scalars["name"])
	}
	if scalars["map.total"] != "10" {
		t.Errorf("map.total = %q", scalars["map.total"])
	}
	if _, ok := scalars["map.results"]; ok {
		t.Error("array leaked into scalar env set")
	}
	if _, ok := scalars["item"]; ok {
		t.Error("object leaked into scalar env set")
	}
}

func TestContext_ForkIsolation(t *testing.T) {
	parent := NewContext()
	parent.Set("shared", "v")

	child := parent.Fork()
	child.Set("item.id", "x")

	if _, ok := parent.Lookup("item.id"); ok {
		t.Error("child binding leaked into parent")
	}
	if v, ok := child.Lookup("shared"); !ok || v != "v" {
		t.Error("parent binding missing in child")
	}
}

func TestContext_RawMessageDecoded(t *testing.T) {
	ctx := NewContext()
	ctx.Set("item", json.RawMessage(`{"id": 7}`))

	v, ok := ctx.Lookup("item.id")
	if !ok {
		t.Fatal("item.id not resolvable")
	}
	if v != float64(7) {
		t.Errorf("item.id = %v", v)
	}
}

func TestInterpolate_UnterminatedPlaceholder(t *testing.T) {
	got, err := Interpolate("before ${oops", testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "before ${oops" {
		t.Errorf("got %q", got)
	}
}
