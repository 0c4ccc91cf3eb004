package tls13

import (
	"bytes"
	"encoding/hex"
	"reflect"
	"testing"
)

func assertEquals(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func assertByteEquals(t *testing.T, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error, got none", msg)
	}
}

func assertNil(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func assertNotNil(t *testing.T, v interface{}, msg string) {
	t.Helper()
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil()) {
		t.Fatalf("%s: got nil", msg)
	}
}

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatalf("%s", msg)
	}
}

func assertDeepEquals(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func assertNotByteEquals(t *testing.T, got, want []byte) {
	t.Helper()
	if bytes.Equal(got, want) {
		t.Fatalf("got %x, want something different", got)
	}
}

// assertCipherSuiteParamsEquals compares the comparable fields only; the
// aead factory is a func value and reflect.DeepEqual never considers two
// non-nil funcs equal.
func assertCipherSuiteParamsEquals(t *testing.T, got, want cipherSuiteParams) {
	t.Helper()
	if got.hash != want.hash || got.keyLen != want.keyLen || got.ivLen != want.ivLen {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func unhex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
