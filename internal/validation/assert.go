// Package validation holds constructor assertions. They panic because a nil
// dependency at wiring time is a programming error, not a runtime condition.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics if ptr is nil.
//
//	validation.AssertNotNil(pool, "database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertImplemented panics if dep is a nil interface or an interface holding
// a nil pointer, map, slice, func or channel.
//
//	validation.AssertImplemented(repo, "progression repository")
func AssertImplemented(dep any, name string) {
	if dep == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			panic(fmt.Sprintf("critical error: %s cannot be a nil %s", name, v.Kind()))
		}
	}
}
