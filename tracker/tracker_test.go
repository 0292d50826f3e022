package tracker

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x, y int) Detection {
	return Detection{Box: image.Rect(x, y, x+50, y+50), Confidence: 1}
}

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	assert.Equal(t, 1.0, IoU(a, a))
	assert.Equal(t, 0.0, IoU(a, image.Rect(20, 20, 30, 30)))
	assert.InDelta(t, 50.0/150.0, IoU(a, image.Rect(5, 0, 15, 10)), 1e-9)
}

func TestTrackConfirmedAfterMinHits(t *testing.T) {
	tr := New(10, 3)

	tracks := tr.Update([]Detection{det(0, 0)})
	require.Len(t, tracks, 1)
	assert.False(t, tracks[0].Current())
	id := tracks[0].ID

	tracks = tr.Update([]Detection{det(2, 2)})
	require.Len(t, tracks, 1)
	assert.False(t, tracks[0].Confirmed())

	tracks = tr.Update([]Detection{det(4, 4)})
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].Current())
	assert.Equal(t, id, tracks[0].ID)
}

func TestTentativeTrackDroppedOnMiss(t *testing.T) {
	tr := New(10, 3)

	tr.Update([]Detection{det(0, 0)})
	tracks := tr.Update(nil)
	assert.Empty(t, tracks)
}

func TestConfirmedTrackSurvivesMaxAge(t *testing.T) {
	tr := New(2, 1)

	tracks := tr.Update([]Detection{det(0, 0)})
	require.Len(t, tracks, 1)
	id := tracks[0].ID

	tracks = tr.Update(nil)
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].Confirmed())
	assert.False(t, tracks[0].Current())

	tracks = tr.Update(nil)
	require.Len(t, tracks, 1)

	// Трек вернулся раньше, чем истёк maxAge.
	tracks = tr.Update([]Detection{det(1, 1)})
	require.Len(t, tracks, 1)
	assert.Equal(t, id, tracks[0].ID)
	assert.True(t, tracks[0].Current())

	tr.Update(nil)
	tr.Update(nil)
	assert.Empty(t, tr.Update(nil))
}

func TestTwoFacesKeepIdentities(t *testing.T) {
	tr := New(10, 1)

	tracks := tr.Update([]Detection{det(0, 0), det(300, 0)})
	require.Len(t, tracks, 2)
	left, right := tracks[0].ID, tracks[1].ID
	assert.NotEqual(t, left, right)

	// Порядок обнаружений поменялся, номера треков - нет.
	tracks = tr.Update([]Detection{det(305, 2), det(3, 1)})
	require.Len(t, tracks, 2)
	for _, tk := range tracks {
		if tk.Box.Min.X < 100 {
			assert.Equal(t, left, tk.ID)
		} else {
			assert.Equal(t, right, tk.ID)
		}
	}
}
