package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStoreError, "store: dial", cause)

	require.Equal(t, "store: dial: connection refused", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestErrorWithoutCauseOmitsColon(t *testing.T) {
	err := New(KindInvalidArgument, "bad input")
	require.Equal(t, "bad input", err.Error())
}

func TestKindOfUnwrapsTaggedError(t *testing.T) {
	err := New(KindForbidden, "nope")
	require.Equal(t, KindForbidden, KindOf(err))
}

func TestKindOfDefaultsToStoreErrorForOpaqueErrors(t *testing.T) {
	require.Equal(t, KindStoreError, KindOf(errors.New("plain error")))
}

func TestSentinelErrorsCompareByIdentity(t *testing.T) {
	require.ErrorIs(t, ErrUnknownTemplate, ErrUnknownTemplate)
	require.NotErrorIs(t, ErrUnknownTemplate, ErrInvalidReward)
}
