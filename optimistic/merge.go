package optimistic

import (
	"reflect"
	"time"

	"dario.cat/mergo"
)

var timeType = reflect.TypeOf(time.Time{})

// timeTransformer treats time.Time as a scalar: a zero source keeps the destination.
type timeTransformer struct{}

func (timeTransformer) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	if t != timeType {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if dst.CanSet() && !src.Interface().(time.Time).IsZero() {
			dst.Set(src)
		}
		return nil
	}
}

// Merge overrides dst with the non-zero fields of src, recursing into nested structs and maps.
func Merge[T any](dst *T, src T) error {
	return mergo.Merge(dst, src, mergo.WithOverride, mergo.WithTransformers(timeTransformer{}))
}
