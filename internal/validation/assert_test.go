package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type pinger interface{ Ping() }

type fakePinger struct{}

func (*fakePinger) Ping() {}

func TestAssertNotNil(t *testing.T) {
	t.Parallel()

	var missing *int
	value := 7

	assert.PanicsWithValue(t, "critical error: counter cannot be nil", func() { AssertNotNil(missing, "counter") })
	assert.NotPanics(t, func() { AssertNotNil(&value, "counter") })
}

func TestAssertImplemented(t *testing.T) {
	t.Parallel()

	var typedNil *fakePinger
	var nilIface pinger

	tests := []struct {
		name      string
		dep       any
		wantPanic bool
	}{
		{name: "nil interface", dep: nilIface, wantPanic: true},
		{name: "interface holding nil pointer", dep: pinger(typedNil), wantPanic: true},
		{name: "nil func", dep: (func())(nil), wantPanic: true},
		{name: "implementation", dep: pinger(&fakePinger{}), wantPanic: false},
		{name: "plain value", dep: 3, wantPanic: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantPanic {
				assert.Panics(t, func() { AssertImplemented(tt.dep, "dep") })
				return
			}
			assert.NotPanics(t, func() { AssertImplemented(tt.dep, "dep") })
		})
	}
}
