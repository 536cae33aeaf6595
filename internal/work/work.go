// Package work defines the algorithm tagged work units handed from pools to
// compute workers, the results flowing back, and the generation checked
// handles tying both to the pool job they were cut from.
package work

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bardlex/gominer/pkg/errors"
)

// Algorithm identifies a proof-of-work algorithm.
type Algorithm uint8

const (
	Unknown Algorithm = iota
	Ethash
	SHA256d
	Cuckatoo31
)

var algorithmNames = map[Algorithm]string{
	Unknown:    "unknown",
	Ethash:     "ethash",
	SHA256d:    "sha256d",
	Cuckatoo31: "cuckatoo31",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// ParseAlgorithm maps a configuration name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	for algo, n := range algorithmNames {
		if algo != Unknown && strings.EqualFold(n, name) {
			return algo, nil
		}
	}
	return Unknown, errors.New(errors.ErrorTypeConfig, "parse_algorithm",
		fmt.Sprintf("unknown algorithm %q", name))
}

// Work is one assignment of search space. A Work value is owned by a single
// worker loop until it yields a result or expires.
type Work interface {
	Algorithm() Algorithm
	Handle() Handle
	// Expired reports whether the issuing pool has superseded this work.
	Expired() bool
	// Valid reports whether the issuing pool still knows the job at all.
	Valid() bool
}

// Result is a candidate solution for a Work unit.
type Result interface {
	Algorithm() Algorithm
	Handle() Handle
}

// Base carries the job handle shared by all work types.
type Base struct {
	handle Handle
}

// NewBase binds work to a job handle.
func NewBase(h Handle) Base { return Base{handle: h} }

func (b Base) Handle() Handle { return b.handle }
func (b Base) Expired() bool  { return b.handle.Expired() }
func (b Base) Valid() bool    { return b.handle.Valid() }

// ResultBase carries the job handle of the originating work.
type ResultBase struct {
	handle Handle
}

func (b ResultBase) Handle() Handle { return b.handle }

// NewResultBase copies the handle out of w.
func NewResultBase(w Work) ResultBase { return ResultBase{handle: w.Handle()} }

func describe(tag interface{ Algorithm() Algorithm }) string {
	if isNil(tag) {
		return "<nil>"
	}
	return tag.Algorithm().String()
}

// isNil reports a nil interface or an interface holding a nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// As converts w to its algorithm specific type. A mismatched or nil w, typed
// nil pointers included, is a contract violation and is reported without
// touching the value.
func As[T Work](w Work) (T, error) {
	t, ok := w.(T)
	if !ok || isNil(w) {
		var zero T
		return zero, errors.Contract("cast_work", "work tagged %s cannot be used as %T", describe(w), zero)
	}
	return t, nil
}

// ResultAs converts r to its algorithm specific type.
func ResultAs[T Result](r Result) (T, error) {
	t, ok := r.(T)
	if !ok || isNil(r) {
		var zero T
		return zero, errors.Contract("cast_result", "result tagged %s cannot be used as %T", describe(r), zero)
	}
	return t, nil
}

// MustAs is As for call paths where a mismatch is a programming error.
func MustAs[T Work](w Work) T {
	t, err := As[T](w)
	if err != nil {
		panic(err)
	}
	return t
}

// MustResultAs is ResultAs for call paths where a mismatch is a programming error.
func MustResultAs[T Result](r Result) T {
	t, err := ResultAs[T](r)
	if err != nil {
		panic(err)
	}
	return t
}
