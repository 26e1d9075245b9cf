package serialmux

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestableSerialPort_ReadWrite(t *testing.T) {
	port := NewTestableSerialPort()

	buf := make([]byte, 8)
	n, err := port.Read(buf)
	assert.NoError(t, err)
	assert.Zero(t, n, "empty non-blocking read reports a timeout")

	port.AddReadData([]byte("abc"))
	n, err = port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	_, err = port.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), port.GetWrittenData())
	assert.Equal(t, 2, port.ReadCalls)
	assert.Equal(t, 1, port.WriteCalls)

	require.NoError(t, port.SetReadTimeout(3*time.Second))
	assert.Equal(t, 3*time.Second, port.ReadTimeout)

	port.Reset()
	assert.Zero(t, port.ReadCalls)
	assert.Empty(t, port.GetWrittenData())
}

func TestTestableSerialPort_BlockingReadWakesOnData(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := port.Read(buf)
		done <- string(buf[:n])
	}()

	time.Sleep(10 * time.Millisecond)
	port.AddReadData([]byte("L01"))

	select {
	case got := <-done:
		assert.Equal(t, "L01", got)
	case <-time.After(time.Second):
		t.Fatal("blocked read was not woken")
	}
}

func TestTestableSerialPort_CloseUnblocks(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, port.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock reader")
	}

	_, err := port.Write([]byte("x"))
	assert.Error(t, err)
}

func TestFixturePort_Replay(t *testing.T) {
	src := "# warm-up\nL03\n\n  hello  \nLFF\n"
	port, err := NewFixturePort(strings.NewReader(src), time.Millisecond)
	require.NoError(t, err)

	var sink bytes.Buffer
	port.Sink = &sink

	mux := NewSerialMux(port)
	var got []string
	for {
		f, err := mux.ReadFrame(context.Background())
		if errors.Is(err, ErrTimeout) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(f.Data))
	}
	assert.Equal(t, []string{"L03", "hello", "LFF"}, got)

	require.NoError(t, mux.SendCommand("c01"))
	assert.Equal(t, "c01\n", sink.String())

	require.NoError(t, mux.Close())
	_, err = port.Read(make([]byte, 4))
	assert.Error(t, err)
}

func TestNewFixtureSerialMux(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.txt")
	require.NoError(t, os.WriteFile(path, []byte("L02\nL01\n"), 0o644))

	mux, err := NewFixtureSerialMux(path, time.Millisecond)
	require.NoError(t, err)
	defer mux.Close()

	f, err := mux.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "L02", string(f.Data))

	_, err = NewFixtureSerialMux(filepath.Join(t.TempDir(), "missing.txt"), time.Millisecond)
	assert.Error(t, err)
}
