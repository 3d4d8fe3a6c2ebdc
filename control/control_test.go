package control

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avdecorate/compositor"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseBody(t *testing.T) {
	cmd, err := ParseBody(OpAdd, "1:5:image:2:a.png:0:0:10:10")
	require.NoError(t, err)
	require.Equal(t, Command{Op: OpAdd, ProductID: 1, MaterialID: 5, Payload: "image:2:a.png:0:0:10:10"}, cmd)

	cmd, err = ParseBody(OpDel, "0:3\x00")
	require.NoError(t, err)
	require.Equal(t, Command{Op: OpDel, MaterialID: 3}, cmd)

	cmd, err = ParseBody(OpMod, "2:3:4:10:20:30:40")
	require.NoError(t, err)
	require.Equal(t, Command{
		Op:         OpMod,
		ProductID:  2,
		MaterialID: 3,
		Layer:      4,
		Rect:       compositor.Rect{X: 20, Y: 10, Width: 30, Height: 40},
	}, cmd)

	cmd, err = ParseBody(OpSubOut, "rtmp://host/app:640:360:15\n")
	require.NoError(t, err)
	require.Equal(t, "rtmp://host/app:640:360:15", cmd.Payload)

	cmd, err = ParseBody(OpSwitchProduct, "7")
	require.NoError(t, err)
	require.Equal(t, 7, cmd.ProductID)

	for op, body := range map[Op]string{
		OpAdd:           "1:5",
		OpDel:           "1",
		OpMod:           "1:2:3:4",
		OpSwitchProduct: "x",
	} {
		_, err := ParseBody(op, body)
		require.ErrorIs(t, err, ErrMalformed, "%s %q", op, body)
	}
	_, err = ParseBody(OpDel, "a:b")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Command{Op: OpAdd, MaterialID: 1, Payload: "x"}.Validate())
	require.ErrorIs(t, Command{Op: OpAdd, MaterialID: 0, Payload: "x"}.Validate(), ErrMalformed)
	require.ErrorIs(t, Command{Op: OpDel}.Validate(), ErrMalformed)
	require.NoError(t, Command{Op: OpStopSub}.Validate())
	require.ErrorIs(t, Command{Op: OpSubOut}.Validate(), ErrMalformed)
	require.ErrorIs(t, Command{Op: OpSwitchProduct}.Validate(), ErrMalformed)
	require.NoError(t, Command{Op: OpSwitchProduct, ProductID: 2}.Validate())
}

func TestParseLine(t *testing.T) {
	cmd, err := ParseLine("  # a comment")
	require.NoError(t, err)
	require.Nil(t, cmd)

	cmd, err = ParseLine("")
	require.NoError(t, err)
	require.Nil(t, cmd)

	cmd, err = ParseLine("add 1:2:text:1:hello")
	require.NoError(t, err)
	require.Equal(t, OpAdd, cmd.Op)
	require.Equal(t, "text:1:hello", cmd.Payload)

	cmd, err = ParseLine("DEL\t1:2")
	require.NoError(t, err)
	require.Equal(t, Command{Op: OpDel, ProductID: 1, MaterialID: 2}, *cmd)

	cmd, err = ParseLine("STOPSUB")
	require.NoError(t, err)
	require.Equal(t, OpStopSub, cmd.Op)

	cmd, err = ParseLine("SWPROD 3")
	require.NoError(t, err)
	require.Equal(t, 3, cmd.ProductID)

	_, err = ParseLine("JUMP 1:2")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestWireRoundTrip(t *testing.T) {
	cmds := []Command{
		{Op: OpAdd, ProductID: 1, MaterialID: 5, Payload: "image:2:a.png"},
		{Op: OpDel, ProductID: 1, MaterialID: 5},
		{Op: OpMod, ProductID: 1, MaterialID: 5, Layer: 3, Rect: compositor.Rect{X: 1, Y: 2, Width: 3, Height: 4}},
		{Op: OpSubOut, Payload: "rtmp://h/a:320:240:10"},
		{Op: OpStopSub},
		{Op: OpSwitchProduct, ProductID: 4},
	}
	for _, version := range []int32{Version1, Version2} {
		var buf bytes.Buffer
		enc := NewEncoder(&buf, version)
		for _, cmd := range cmds {
			require.NoError(t, enc.Encode(cmd))
		}
		dec := NewDecoder(&buf)
		for _, want := range cmds {
			got, err := dec.Decode()
			require.NoError(t, err)
			require.Equal(t, want, got)
		}
		_, err := dec.Decode()
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestWireProductExtension(t *testing.T) {
	var body bytes.Buffer
	require.NoError(t, NewEncoder(&body, Version1).Encode(Command{Op: OpDel, ProductID: 1, MaterialID: 5}))
	raw := body.Bytes()

	// rewrite as version 2 with product 9 in the extension
	msg := append([]byte{2, 0, 0, 0}, raw[4:12]...)
	msg = append(msg, 9, 0, 0, 0)
	msg = append(msg, raw[12:]...)
	cmd, err := NewDecoder(bytes.NewReader(msg)).Decode()
	require.NoError(t, err)
	require.Equal(t, 9, cmd.ProductID)
	require.Equal(t, 5, cmd.MaterialID)
}

func TestWireErrors(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, Version1)
	require.NoError(t, enc.Encode(Command{Op: OpSwitchProduct, ProductID: 1}))
	raw := append([]byte{}, buf.Bytes()...)

	bad := append([]byte{}, raw...)
	bad[0] = 3
	_, err := NewDecoder(bytes.NewReader(bad)).Decode()
	require.ErrorIs(t, err, ErrBadHeader)

	bad = append([]byte{}, raw...)
	bad[4] = 99
	_, err = NewDecoder(bytes.NewReader(bad)).Decode()
	require.ErrorIs(t, err, ErrBadHeader)

	_, err = NewDecoder(bytes.NewReader(raw[:len(raw)-1])).Decode()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// a malformed body keeps the stream in sync
	buf.Reset()
	_, _ = buf.Write([]byte{1, 0, 0, 0, 13, 0, 0, 0, 3, 0, 0, 0, 'a', ':', 'b'})
	require.NoError(t, enc.Encode(Command{Op: OpDel, MaterialID: 2}))
	dec := NewDecoder(&buf)
	_, err = dec.Decode()
	require.ErrorIs(t, err, ErrMalformed)
	cmd, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, 2, cmd.MaterialID)
}

func TestTextChannel(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "commands.txt")
	require.NoError(t, os.WriteFile(path, []byte("# initial\nADD 1:2:text:1:hi\nBOGUS\nDEL 1:3\nSWPROD"), 0o644))

	ch := New(Config{Path: path, Mode: ModeText, PollInterval: 5 * time.Millisecond})
	ch.Start(ctx)
	defer ch.Close(ctx)

	var got []Command
	require.Eventually(t, func() bool {
		got = append(got, ch.Drain()...)
		return len(got) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, OpAdd, got[0].Op)
	require.Equal(t, Command{Op: OpDel, ProductID: 1, MaterialID: 3}, got[1])

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(" 2\nSTOPSUB\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got = nil
	require.Eventually(t, func() bool {
		got = append(got, ch.Drain()...)
		return len(got) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, Command{Op: OpSwitchProduct, ProductID: 2}, got[0])
	require.Equal(t, OpStopSub, got[1].Op)
	require.Empty(t, ch.Drain())

	require.NoError(t, ch.Close(ctx))
}

func TestTextChannelMissingFile(t *testing.T) {
	ctx := context.Background()
	ch := New(Config{Path: filepath.Join(t.TempDir(), "none.txt"), Mode: ModeText, PollInterval: time.Millisecond})
	ch.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, ch.Drain())
	require.NoError(t, ch.Close(ctx))
}
