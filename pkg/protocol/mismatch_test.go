//go:build !devlinkdebug

package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessorsDoNotCoerce(t *testing.T) {
	p := New("test").With("i", 1).With("f", 1.0).With("s", "1").With("l", []any{"a", 2})

	cases := []struct {
		name string
		call func() error
		want TypeMismatchError
	}{
		{"float as int", func() error { _, err := p.GetInt("f"); return err }, TypeMismatchError{Key: "f", Want: "int", Got: "float"}},
		{"int as float", func() error { _, err := p.GetFloat("i"); return err }, TypeMismatchError{Key: "i", Want: "float", Got: "int"}},
		{"string as int", func() error { _, err := p.GetInt("s"); return err }, TypeMismatchError{Key: "s", Want: "int", Got: "string"}},
		{"int as bool", func() error { _, err := p.GetBool("i"); return err }, TypeMismatchError{Key: "i", Want: "bool", Got: "int"}},
		{"string as bytes", func() error { _, err := p.GetBytes("s"); return err }, TypeMismatchError{Key: "s", Want: "bytes", Got: "string"}},
		{"mixed list", func() error { _, err := p.GetStringList("l"); return err }, TypeMismatchError{Key: "l[1]", Want: "string", Got: "int"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			var tm *TypeMismatchError
			if assert.True(t, errors.As(err, &tm)) {
				assert.Equal(t, tc.want, *tm)
			}
		})
	}
}
