//go:build linux || darwin

package proc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartTimeOfSelf(t *testing.T) {
	st, err := StartTime(os.Getpid())
	require.NoError(t, err)
	require.False(t, st.IsZero())
	require.True(t, st.Before(time.Now().Add(time.Second)))
}

func TestAliveSelf(t *testing.T) {
	st, err := StartTime(os.Getpid())
	require.NoError(t, err)
	require.True(t, SystemProber{}.Alive(os.Getpid(), st))
}

func TestAliveRecycledPid(t *testing.T) {
	st, err := StartTime(os.Getpid())
	require.NoError(t, err)
	// Same pid, wrong epoch: looks like a recycled pid.
	require.False(t, SystemProber{}.Alive(os.Getpid(), st.Add(-time.Hour)))
}

func TestAliveMissingPid(t *testing.T) {
	// Pid from far outside any default pid_max range.
	require.False(t, SystemProber{}.Alive(1<<30, time.Now()))
}
