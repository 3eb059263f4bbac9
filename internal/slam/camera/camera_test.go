package camera

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slam/internal/slam"
)

func testIntrinsics() Intrinsics {
	return Intrinsics{
		Calib: slam.Calibration{Fx: 500, Fy: 500, Cx: 320, Cy: 240, MinX: 0, MaxX: 640, MinY: 0, MaxY: 480},
		FPS:   30,
	}
}

func TestIntrinsicsValidateRejectsNonPositiveFocalLength(t *testing.T) {
	in := testIntrinsics()
	in.Calib.Fx = 0
	require.Error(t, in.Validate())
}

func TestIntrinsicsValidateRejectsDegenerateBounds(t *testing.T) {
	in := testIntrinsics()
	in.Calib.MaxX = in.Calib.MinX
	require.Error(t, in.Validate())
}

func TestIntrinsicsValidateAcceptsSaneCalibration(t *testing.T) {
	require.NoError(t, testIntrinsics().Validate())
}

func TestRecordedSourceServesFramesInOrder(t *testing.T) {
	frames := []Image{
		{Timestamp: time.Unix(0, 0)},
		{Timestamp: time.Unix(1, 0)},
	}
	src := NewRecorded(testIntrinsics(), frames)

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frames[0].Timestamp, first.Timestamp)

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frames[1].Timestamp, second.Timestamp)

	_, err = src.Next(context.Background())
	assert.Error(t, err)
}

func TestRecordedSourceHonorsContextCancellation(t *testing.T) {
	src := NewRecorded(testIntrinsics(), []Image{{Timestamp: time.Unix(0, 0)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
