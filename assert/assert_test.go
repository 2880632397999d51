package assert

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeT struct {
	msgs []string
}

func (t *fakeT) Errorf(format string, args ...interface{}) {
	t.msgs = append(t.msgs, fmt.Sprintf(format, args...))
}

func TestEqual(t *testing.T) {
	ft := &fakeT{}
	if !Equal(ft, 3, 3) || !Equal(ft, []byte("a"), []byte("a")) {
		t.Fatalf("expected equal")
	}
	if Equal(ft, "foo\nbar\n", "foo\nbaz\n") {
		t.Fatalf("expected not equal")
	}
	if len(ft.msgs) != 1 || !strings.Contains(ft.msgs[0], "Diff:") {
		t.Fatalf("expected a diff, got %v", ft.msgs)
	}
	if Equal(ft, int64(1), 1) {
		t.Fatalf("different types must not be equal")
	}
}

func TestNilAndErrors(t *testing.T) {
	ft := &fakeT{}
	var p *int
	True(t, Nil(ft, p))
	True(t, Nil(ft, nil))
	False(t, Nil(ft, 5))
	errFoo := errors.New("foo")
	True(t, ErrorIs(ft, fmt.Errorf("wrapped: %w", errFoo), errFoo))
	False(t, NoError(ft, errFoo))
	True(t, Error(ft, errFoo))
	Len(t, ft.msgs, 2)
}

func TestEmpty(t *testing.T) {
	ft := &fakeT{}
	True(t, Empty(ft, ""))
	True(t, Empty(ft, []int{}))
	True(t, NotEmpty(ft, map[string]int{"a": 1}))
	True(t, Contains(ft, []byte("hello world"), "o w"))
	False(t, Contains(ft, "hello", "x"))
	Len(t, ft.msgs, 1)
}
