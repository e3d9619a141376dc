package nu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcletIDNil(t *testing.T) {
	require.True(t, NilProcletID.IsNil())
	require.False(t, ProcletID(1).IsNil())
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusAbsent:       "absent",
		StatusPresent:      "present",
		StatusMigratingOut: "migrating-out",
		StatusMigratingIn:  "migrating-in",
		StatusDestroying:   "destroying",
		Status(99):         "unknown",
	}
	for s, want := range cases {
		require.Equal(t, want, s.String())
	}
}

func TestClosureErrorMessage(t *testing.T) {
	err := &ClosureError{Kind: "std::out_of_range", Message: "boom"}
	require.Contains(t, err.Error(), "std::out_of_range")
	require.Contains(t, err.Error(), "boom")
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrOutOfMemory, ErrDestroyedTarget))
	require.True(t, errors.Is(ErrOutOfMemory, ErrOutOfMemory))
}
