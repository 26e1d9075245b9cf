package link

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	at := time.Unix(1462100000, 0)
	tests := []struct {
		name string
		raw  string
		kind Kind
		op   Opcode
	}{
		{"manual", "L01", KindCommand, OpManual},
		{"autonomous", "L02", KindCommand, OpAutonomous},
		{"start", "L03", KindCommand, OpStartRecording},
		{"stop", "L04", KindCommand, OpStopRecording},
		{"discard lower-case hex", "Lfd", KindCommand, OpDiscard},
		{"terminate upload", "LFE", KindCommand, OpTerminateUpload},
		{"terminate", "LFF", KindCommand, OpTerminate},
		{"trailing payload ignored", "L03 joystick=12", KindCommand, OpStartRecording},
		{"unassigned opcode", "L7A", KindCommand, Opcode(0x7A)},
		{"plain text", "speed 12 14", KindPlain, 0},
		{"lower-case l is plain", "l01", KindPlain, 0},
		{"empty", "", KindPlain, 0},
		{"non-hex", "LZZ", KindMalformed, 0},
		{"short", "L1", KindMalformed, 0},
		{"sign is not hex", "L+1", KindMalformed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Decode([]byte(tt.raw), at)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, tt.op, rec.Opcode)
			assert.Equal(t, tt.raw, string(rec.Raw))
			assert.True(t, rec.At.Equal(at))
			if tt.kind == KindMalformed {
				assert.ErrorIs(t, rec.Err, ErrProtocol)
			} else {
				assert.NoError(t, rec.Err)
			}
			assert.Equal(t, tt.kind == KindCommand, rec.IsCommand())
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for n := 0; n <= 255; n++ {
		wire := EncodeCommand(Opcode(n))
		require.Len(t, wire, 4)
		rec := Decode(wire[:3], time.Time{})
		require.Equal(t, KindCommand, rec.Kind, "opcode %d", n)
		require.Equal(t, Opcode(n), rec.Opcode)
	}
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "discard", OpDiscard.String())
	assert.Equal(t, "0x7A", Opcode(0x7A).String())
	assert.Equal(t, "FE", OpTerminateUpload.Hex())
}

func TestEncodeDrive(t *testing.T) {
	got := make([]string, 0, len(Labels))
	for _, l := range Labels {
		got = append(got, EncodeDrive(l))
	}
	want := []string{"c00\n", "c01\n", "c02\n", "c03\n"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EncodeDrive mismatch (-want +got):\n%s", diff)
	}
}

func TestLabels(t *testing.T) {
	for _, l := range Labels {
		parsed, err := ParseLabel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
		assert.True(t, l.Valid())
	}
	assert.False(t, Label(4).Valid())
	assert.Equal(t, "label(9)", Label(9).String())

	_, err := ParseLabel("sideways")
	assert.Error(t, err)
}
