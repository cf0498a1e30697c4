package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("TRANSIT_ENV_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("TRANSIT_ENV_STRING_KEY", "value")
	got := String("TRANSIT_ENV_STRING_KEY", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestRequired(t *testing.T) {
	t.Setenv("TRANSIT_ENV_REQUIRED_BLANK", "   ")
	if _, err := Required("TRANSIT_ENV_REQUIRED_BLANK"); err == nil {
		t.Fatalf("Required() expected error for blank value")
	}
	t.Setenv("TRANSIT_ENV_REQUIRED_SET", " x ")
	got, err := Required("TRANSIT_ENV_REQUIRED_SET")
	if err != nil {
		t.Fatalf("Required() err=%v", err)
	}
	if got != "x" {
		t.Fatalf("Required()=%q, want x", got)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("TRANSIT_ENV_DURATION_DOES_NOT_EXIST", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("Duration()=%v, want 5s", got)
	}

	t.Setenv("TRANSIT_ENV_DURATION_KEY", "250ms")
	got, err = Duration("TRANSIT_ENV_DURATION_KEY", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}

	t.Setenv("TRANSIT_ENV_DURATION_INVALID", "not-a-duration")
	if _, err := Duration("TRANSIT_ENV_DURATION_INVALID", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool(t *testing.T) {
	t.Setenv("TRANSIT_ENV_BOOL_KEY", "false")
	got, err := Bool("TRANSIT_ENV_BOOL_KEY", true)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if got {
		t.Fatalf("Bool()=%v, want false", got)
	}

	t.Setenv("TRANSIT_ENV_BOOL_INVALID", "nope")
	if _, err := Bool("TRANSIT_ENV_BOOL_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestIntegers(t *testing.T) {
	t.Setenv("TRANSIT_ENV_INT_KEY", "7")
	i, err := Int("TRANSIT_ENV_INT_KEY", 42)
	if err != nil || i != 7 {
		t.Fatalf("Int()=%d err=%v, want 7", i, err)
	}

	t.Setenv("TRANSIT_ENV_INT64_KEY", "5000000000")
	i64, err := Int64("TRANSIT_ENV_INT64_KEY", 1)
	if err != nil || i64 != 5_000_000_000 {
		t.Fatalf("Int64()=%d err=%v, want 5000000000", i64, err)
	}

	t.Setenv("TRANSIT_ENV_INT_INVALID", "nope")
	if _, err := Int("TRANSIT_ENV_INT_INVALID", 42); err == nil {
		t.Fatalf("Int() expected error")
	}
	if _, err := Int64("TRANSIT_ENV_INT_INVALID", 42); err == nil {
		t.Fatalf("Int64() expected error")
	}
}

func TestFloat64(t *testing.T) {
	t.Setenv("TRANSIT_ENV_FLOAT_KEY", "0.25")
	got, err := Float64("TRANSIT_ENV_FLOAT_KEY", 1)
	if err != nil {
		t.Fatalf("Float64() err=%v", err)
	}
	if got != 0.25 {
		t.Fatalf("Float64()=%v, want 0.25", got)
	}
}

func TestList(t *testing.T) {
	if got := List("TRANSIT_ENV_LIST_DOES_NOT_EXIST", []string{"a"}); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("List()=%v, want default", got)
	}
	t.Setenv("TRANSIT_ENV_LIST_KEY", " a, ,b ,c")
	if got := List("TRANSIT_ENV_LIST_KEY", nil); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("List()=%v, want [a b c]", got)
	}
}
