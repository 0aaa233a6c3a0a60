package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := &Packet{CmdType: CmdSubmitJob, Body: []byte(`{"function":"reverse"}`)}
	data, err := Encode(pkt)
	require.NoError(t, err)

	d := NewDecoder()
	got, err := d.Feed(bytes.NewReader(data).Read)
	require.NoError(t, err)
	require.Equal(t, CmdSubmitJob, got.CmdType)
	require.Equal(t, pkt.Body, got.Body)
}

func TestDecodeEmptyBody(t *testing.T) {
	pkt := &Packet{CmdType: CmdGrabJob}
	data, err := Encode(pkt)
	require.NoError(t, err)

	d := NewDecoder()
	got, err := d.Feed(bytes.NewReader(data).Read)
	require.NoError(t, err)
	require.Equal(t, CmdGrabJob, got.CmdType)
	require.Nil(t, got.Body)
}

// trickleReader hands back at most one byte per Read call, then reports a
// would-block-shaped (0, nil) once its buffer is drained mid-call, the
// same trickle a real non-blocking socket gives under slow delivery.
type trickleReader struct {
	data []byte
	pos  int
}

func (r *trickleReader) Read(buf []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, nil
	}
	n := copy(buf, r.data[r.pos:r.pos+1])
	r.pos += n
	return n, nil
}

func TestFeedPartialReadsReturnWouldBlock(t *testing.T) {
	pkt := &Packet{CmdType: CmdEchoReq, Body: []byte("hello")}
	data, err := Encode(pkt)
	require.NoError(t, err)

	d := NewDecoder()
	r := &trickleReader{data: data}
	var got *Packet
	for got == nil {
		pkt, err := d.Feed(r.Read)
		if err == ErrWouldBlock {
			continue
		}
		require.NoError(t, err)
		got = pkt
	}
	require.Equal(t, CmdEchoReq, got.CmdType)
	require.Equal(t, []byte("hello"), got.Body)
}

func TestFeedPropagatesReaderError(t *testing.T) {
	d := NewDecoder()
	readFn := func(buf []byte) (int, error) { return 0, io.ErrClosedPipe }
	_, err := d.Feed(readFn)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	pkt := &Packet{CmdType: CmdSubmitJob, Body: make([]byte, MaxPayloadLength+1)}
	_, err := Encode(pkt)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecoderResetAllowsReuseAcrossPackets(t *testing.T) {
	var buf bytes.Buffer
	first, _ := Encode(&Packet{CmdType: CmdCanDo, Body: []byte("a")})
	second, _ := Encode(&Packet{CmdType: CmdCantDo, Body: []byte("b")})
	buf.Write(first)
	buf.Write(second)

	d := NewDecoder()
	p1, err := d.Feed(buf.Read)
	require.NoError(t, err)
	require.Equal(t, CmdCanDo, p1.CmdType)

	p2, err := d.Feed(buf.Read)
	require.NoError(t, err)
	require.Equal(t, CmdCantDo, p2.CmdType)
}
