package audio_test

import (
	"bytes"
	"testing"

	"github.com/srg/btcore/internal/audio"
	"github.com/srg/btcore/internal/bt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPlayback(t *testing.T) {
	s := audio.NewStream(bt.ProfileHFP, 0)
	assert.Equal(t, bt.ProfileHFP, s.Profile())
	assert.True(t, s.Enabled(), "new streams MUST start enabled")

	assert.Equal(t, 4, s.Feed([]byte{1, 2, 3, 4}))

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, buf[:n])

	n, err = s.Read(buf)
	require.NoError(t, err, "an empty ring MUST read as no data, not an error")
	assert.Zero(t, n)
}

func TestStreamCaptureDropsOverflow(t *testing.T) {
	s := audio.NewStream(bt.ProfileHSP, 8)

	n, err := s.Write(bytes.Repeat([]byte{7}, 6))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = s.Write(bytes.Repeat([]byte{9}, 6))
	require.NoError(t, err, "a full capture ring MUST NOT fail the writer")
	assert.Equal(t, 6, n)
	assert.Equal(t, uint64(4), s.Dropped())

	assert.Equal(t, []byte{7, 7, 7, 7, 7, 7, 9, 9}, s.Collect())
	assert.Empty(t, s.Collect())
}

func TestStreamDisabled(t *testing.T) {
	s := audio.NewStream(bt.ProfileA2DP, 16)
	s.Feed([]byte{1, 2})
	s.SetEnabled(false)

	_, err := s.Read(make([]byte, 2))
	assert.ErrorIs(t, err, audio.ErrDisabled)
	_, err = s.Write([]byte{1})
	assert.ErrorIs(t, err, audio.ErrDisabled)

	s.SetEnabled(true)
	buf := make([]byte, 2)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf[:n], "muting MUST keep queued playback")
}

func TestSilence(t *testing.T) {
	p := []byte{1, 2, 3}
	audio.Silence(p[1:])
	assert.Equal(t, []byte{1, 0, 0}, p)
}
