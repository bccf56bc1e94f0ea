package inputbuf

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func sourceReader(data []byte) ReadFunc {
	r := bytes.NewReader(data)
	return func(dst []byte) (int, error) { return r.Read(dst) }
}

func Test_Buffer_ReadData_Returns_Exact_Bytes_When_Capacity_Zero(t *testing.T) {
	b := New(0)
	dest := make([]byte, 5)

	n, err := b.ReadData(dest, sourceReader([]byte("hello world")))
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if n != 5 {
		t.Fatalf("n=%d, want 5", n)
	}
	if string(dest) != "hello" {
		t.Fatalf("dest=%q, want %q", dest, "hello")
	}
}

func Test_Buffer_ReadData_Serves_Small_Reads_From_Buffer(t *testing.T) {
	b := New(8)
	src := sourceReader([]byte("abcdefghij"))

	first := make([]byte, 3)
	if _, err := b.ReadData(first, src); err != nil {
		t.Fatalf("ReadData 1: %v", err)
	}
	if string(first) != "abc" {
		t.Fatalf("first=%q, want %q", first, "abc")
	}

	second := make([]byte, 3)
	if _, err := b.ReadData(second, src); err != nil {
		t.Fatalf("ReadData 2: %v", err)
	}
	if string(second) != "def" {
		t.Fatalf("second=%q, want %q", second, "def")
	}
}

func Test_Buffer_ReadData_Reads_Large_Request_Directly_Bypassing_Buffer(t *testing.T) {
	b := New(4)
	data := bytes.Repeat([]byte("x"), 100)
	dest := make([]byte, 100)

	n, err := b.ReadData(dest, sourceReader(data))
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if n != 100 {
		t.Fatalf("n=%d, want 100", n)
	}
}

func Test_Buffer_ReadData_Returns_EOF_On_Short_Source(t *testing.T) {
	b := New(4)
	dest := make([]byte, 10)

	_, err := b.ReadData(dest, sourceReader([]byte("abc")))
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err=%v, want EOF-class error", err)
	}
}

func Test_Buffer_Discard_Stays_In_Buffer_Window(t *testing.T) {
	b := New(8)
	src := sourceReader([]byte("abcdefgh"))

	dest := make([]byte, 4)
	if _, err := b.ReadData(dest, src); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	seekCalled := false
	seekFn := func(offset int64, whence int) (int64, error) {
		seekCalled = true
		return 0, nil
	}

	if err := b.Discard(2, seekFn); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if seekCalled {
		t.Fatalf("seekFn should not be called when discard stays within buffered window")
	}

	next := make([]byte, 2)
	if _, err := b.ReadData(next, src); err != nil {
		t.Fatalf("ReadData after discard: %v", err)
	}
	if string(next) != "gh" {
		t.Fatalf("next=%q, want %q", next, "gh")
	}
}

func Test_Buffer_Discard_Delegates_Past_Buffered_Window(t *testing.T) {
	b := New(4)
	src := sourceReader([]byte("abcdefgh"))

	dest := make([]byte, 2)
	if _, err := b.ReadData(dest, src); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	var seekOffset int64
	seekFn := func(offset int64, whence int) (int64, error) {
		seekOffset = offset
		return 0, nil
	}

	if err := b.Discard(10, seekFn); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if seekOffset != 8 {
		t.Fatalf("seekOffset=%d, want 8", seekOffset)
	}
}

func Test_Promise_Get_Before_Fulfilled_Returns_ErrNotReady(t *testing.T) {
	var p Promise
	p.Reset(4)

	if _, err := p.Future().Get(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v, want ErrNotReady", err)
	}
}

func Test_Promise_Fulfilled_Then_Get_Reaps_Once(t *testing.T) {
	var p Promise
	p.Reset(5)
	p.FillResult([]byte("hello"))
	p.Fulfilled(nil)

	f := p.Future()
	if !f.Valid() {
		t.Fatalf("future should be valid after Fulfilled")
	}

	got, err := f.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got=%q, want %q", got, "hello")
	}

	if f.Valid() {
		t.Fatalf("future should not be valid after reaping")
	}
}

func Test_Buffer_AsyncRead_Fulfils_Synchronously_When_Buffered(t *testing.T) {
	b := New(8)
	src := sourceReader([]byte("abcdefgh"))
	dest := make([]byte, 4)
	if _, err := b.ReadData(dest, src); err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	var p Promise
	scheduleCalled := false
	b.AsyncRead(2, &p, func(dst []byte, onDone func(int, error)) {
		scheduleCalled = true
	})

	if scheduleCalled {
		t.Fatalf("schedule should not be called when enough is buffered")
	}

	got, err := p.Future().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "ef" {
		t.Fatalf("got=%q, want %q", got, "ef")
	}
}

func Test_Buffer_AsyncRead_Schedules_When_Not_Buffered(t *testing.T) {
	b := New(4)

	var p Promise
	b.AsyncRead(4, &p, func(dst []byte, onDone func(int, error)) {
		n := copy(dst, []byte("wxyz"))
		onDone(n, nil)
	})

	got, err := p.Future().Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "wxyz" {
		t.Fatalf("got=%q, want %q", got, "wxyz")
	}
}
