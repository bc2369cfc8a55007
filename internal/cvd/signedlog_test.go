package cvd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignedLog(t *testing.T) {
	require.Equal(t, 0.0, SignedLog(0.5))
	require.Equal(t, 0.0, SignedLog(-0.9))
	require.InDelta(t, math.Log(10), SignedLog(10), 1e-9)
	require.InDelta(t, -math.Log(10), SignedLog(-10), 1e-9)
}

func TestGateConfig_ShouldAlert_ScenarioSix(t *testing.T) {
	// spec.md §8 scenario 6: T_log=2.0 => T_raw=e^2; triggerZScore=10 =>
	// signedLog(10)=ln(10)~=2.303 >= 2.0 => alert.
	g := GateConfig{ThresholdLog: 2.0}
	require.InDelta(t, math.Exp(2.0), g.RawThreshold(), 1e-9)
	require.True(t, g.ShouldAlert(10))
	require.False(t, g.ShouldAlert(1))
}

func TestGateConfig_StrictRawThreshold(t *testing.T) {
	g := GateConfig{ThresholdLog: 2.0, StrictRawThreshold: true}
	require.True(t, g.ShouldAlert(8))
	require.False(t, g.ShouldAlert(0.5))
}
