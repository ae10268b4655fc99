package skerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/covgate/go/skerr"
)

func TestWrap_NilError_ReturnsNil(t *testing.T) {
	require.NoError(t, skerr.Wrap(nil))
}

func TestWrap_AddsCallSite(t *testing.T) {
	base := errors.New("boom")
	err := skerr.Wrap(base)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Contains(t, err.Error(), ". At skerr_test.go:")
}

func TestWrap_Twice_AppendsTrail(t *testing.T) {
	base := errors.New("boom")
	err := skerr.Wrap(base)
	err = func() error { return skerr.Wrap(err) }()
	require.Equal(t, base, skerr.Unwrap(err))
	// Two call sites recorded.
	count := 0
	for i := 0; i < len(err.Error()); i++ {
		if err.Error()[i] == ':' {
			count++
		}
	}
	require.GreaterOrEqual(t, count, 2)
}

func TestFmt_CarriesMessage(t *testing.T) {
	err := skerr.Fmt("value %d too small", 3)
	require.Contains(t, err.Error(), "value 3 too small")
}

func TestUnwrap_PlainError_ReturnsSame(t *testing.T) {
	base := errors.New("plain")
	require.Equal(t, base, skerr.Unwrap(base))
}
