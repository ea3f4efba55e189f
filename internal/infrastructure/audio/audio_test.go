package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"voicebox/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastFormat = Format{SampleRate: 8000, Channels: 1, SamplesPerFrame: 80} // 10ms frames

func TestFormat(t *testing.T) {
	f := Format{SampleRate: 50000, Channels: 1, SamplesPerFrame: 5120}
	assert.Equal(t, 102400*time.Microsecond, f.FrameDuration())
	assert.Equal(t, 10240, f.FrameBytes())
}

func TestToneSource_ProducesPacedFrames(t *testing.T) {
	src := NewToneSource(fastFormat, 440)
	require.NoError(t, src.Open())
	defer src.Close()

	ctx := context.Background()
	start := time.Now()
	var frames [][]byte
	for i := 0; i < 3; i++ {
		frame, err := src.Read(ctx)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	for _, frame := range frames {
		assert.Len(t, frame, fastFormat.FrameBytes())
	}
	assert.Equal(t, 80, src.SamplesPerFrame())

	// the wave is continuous: not every sample is zero and frames differ
	assert.NotEqual(t, make([]byte, len(frames[0])), frames[0])
	assert.NotEqual(t, frames[0], frames[1])
	first := int16(binary.LittleEndian.Uint16(frames[0][:2]))
	assert.Equal(t, int16(0), first)
}

func TestToneSource_ReadHonoursContextAndClose(t *testing.T) {
	src := NewToneSource(Format{SampleRate: 1, Channels: 1, SamplesPerFrame: 10}, 1)

	_, err := src.Read(context.Background())
	assert.ErrorIs(t, err, ErrDeviceClosed, "not open")

	require.NoError(t, src.Open())
	assert.Error(t, src.Open(), "already open")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Read(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDeviceClosed)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestSilenceSource(t *testing.T) {
	src := NewSilenceSource(fastFormat)
	require.NoError(t, src.Open())
	defer src.Close()

	frame, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, make([]byte, fastFormat.FrameBytes()), frame)
}

func TestSourceRejectsBadFormat(t *testing.T) {
	assert.Error(t, NewSilenceSource(Format{}).Open())
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	require.NoError(t, sink.Write([]byte{1, 2}))
	require.NoError(t, sink.Write([]byte{3}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.Write([]byte{4}), ErrDeviceClosed)
	assert.Equal(t, []byte{1, 2, 3}, buf.Bytes())
}

func TestFileSinkFactory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "playback")
	factory := FileSinkFactory(dir)

	sink, err := factory("10.0.0.1:4000")
	require.NoError(t, err)
	require.NoError(t, sink.Write([]byte("pcm")))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "10.0.0.1_4000.pcm"))
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(data))
}

func TestPlaybackFileName(t *testing.T) {
	assert.Equal(t, "10.0.0.1_4000.pcm", PlaybackFileName("10.0.0.1:4000"))
	assert.Equal(t, "__1_4000.pcm", PlaybackFileName("[::1]:4000"))
}

func TestFactoriesFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	capture, err := NewCaptureDevice(cfg)
	require.NoError(t, err)
	assert.IsType(t, &ToneSource{}, capture)
	assert.Equal(t, cfg.Audio.SamplesPerFrame, capture.SamplesPerFrame())

	cfg.Audio.Source = "silence"
	capture, err = NewCaptureDevice(cfg)
	require.NoError(t, err)
	assert.IsType(t, &SilenceSource{}, capture)

	cfg.Audio.Source = "microphone"
	_, err = NewCaptureDevice(cfg)
	assert.Error(t, err)

	playback, err := NewPlaybackFactory(cfg)
	require.NoError(t, err)
	sink, err := playback("10.0.0.1:4000")
	require.NoError(t, err)
	assert.Equal(t, DiscardSink{}, sink)

	cfg.Audio.Playback = "speaker"
	_, err = NewPlaybackFactory(cfg)
	assert.Error(t, err)
}
