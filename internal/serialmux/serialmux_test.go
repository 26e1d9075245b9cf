package serialmux

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomwoo/raspberry-pi/internal/timeutil"
)

func TestReadFrame_CompleteLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("L03\r\nhello cortex\n"))
	mux := NewSerialMux(port)
	at := time.Unix(1462100000, 0)
	mux.SetClock(timeutil.NewMockClock(at))

	f, err := mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "L03", string(f.Data))
	assert.True(t, f.ReceivedAt.Equal(at))

	f, err = mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello cortex", string(f.Data))

	_, err = mux.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadFrame_EmptyReadIsTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	for i := 0; i < 3; i++ {
		_, err := mux.ReadFrame(context.Background())
		assert.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, 3, port.ReadCalls)
}

func TestReadFrame_PartialLineSurvivesTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	port.AddReadData([]byte("L0"))
	_, err := mux.ReadFrame(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	port.AddReadData([]byte("2\n"))
	f, err := mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "L02", string(f.Data))
}

func TestReadFrame_EOFFlushesRemainder(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("a\nLFF"))
	mux := NewSerialMux(port)

	f, err := mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", string(f.Data))

	// the unterminated tail stays pending across an idle read
	_, err = mux.ReadFrame(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	port.ReadError = io.EOF
	f, err = mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "LFF", string(f.Data))

	port.ReadError = io.EOF
	_, err = mux.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_OverlongRecord(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte(strings.Repeat("x", MaxFrameLen+10) + "\n"))
	mux := NewSerialMux(port)

	f, err := mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.Data, MaxFrameLen)

	f, err = mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), string(f.Data))
}

func TestReadFrame_PortError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	mux := NewSerialMux(port)

	_, err := mux.ReadFrame(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestReadFrame_ContextAndClose(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mux.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, mux.Close())
	_, err = mux.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, port.Closed)

	// second close is a no-op
	assert.NoError(t, mux.Close())
}

func TestSendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("c01"))
	require.NoError(t, mux.SendCommand("c02\n"))
	assert.Equal(t, "c01\nc02\n", string(port.GetWrittenData()))

	port.WriteError = errors.New("boom")
	err := mux.SendCommand("c03")
	assert.ErrorIs(t, err, ErrWriteFailed)

	port.ShortWrite = true
	err = mux.SendCommand("c03")
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestSubscribe_SeesBothDirections(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("L02\n"))
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	_, err := mux.ReadFrame(context.Background())
	require.NoError(t, err)
	require.NoError(t, mux.SendCommand("c00"))

	assert.Equal(t, "rx L02", <-ch)
	assert.Equal(t, "tx c00", <-ch)

	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestClose_ClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	port.CloseError = errors.New("close failed")
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	err := mux.Close()
	assert.EqualError(t, err, "close failed")
	_, ok := <-ch
	assert.False(t, ok)
}
