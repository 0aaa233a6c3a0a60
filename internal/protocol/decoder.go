package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrWouldBlock is returned by Decoder.Feed when the reader has no more
// bytes to give and no complete packet is available yet. It is not a real
// error: the caller (internal/broker's read loop) treats it as "stop
// reading for now", the protocol-level mirror of transport.ErrWouldBlock.
var ErrWouldBlock = errors.New("protocol: would block")

type decodeStage int

const (
	stageHeader decodeStage = iota
	stageBody
)

// Decoder holds the partial-packet state for one connection: at most one
// packet under construction at a time, created lazily and cleared once a
// complete packet is handed back to the caller.
type Decoder struct {
	stage  decodeStage
	header [HeaderLength]byte
	have   int
	body   []byte
	pkt    Packet
}

// NewDecoder returns a Decoder ready to consume bytes for a new connection.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset clears in-progress decode state. Called when a connection is
// recycled into a free-list.
func (d *Decoder) Reset() {
	d.stage = stageHeader
	d.have = 0
	d.body = nil
	d.pkt.Reset()
}

// Feed consumes read-ready reader r using readFn to pull raw bytes, one
// read() syscall at a time, and returns as soon as either a complete
// Packet is assembled or the underlying source reports it has nothing
// more to give right now (ErrWouldBlock). The caller is expected to call
// Feed again in a loop until ErrWouldBlock.
func (d *Decoder) Feed(readFn func([]byte) (int, error)) (*Packet, error) {
	for {
		switch d.stage {
		case stageHeader:
			n, err := readFn(d.header[d.have:])
			d.have += n
			if d.have < HeaderLength {
				return nil, translate(err)
			}
			length := binary.BigEndian.Uint32(d.header[0:4])
			version := binary.BigEndian.Uint16(d.header[4:6])
			cmd := binary.BigEndian.Uint16(d.header[6:8])

			bodyLen := int(length) - 4
			if bodyLen < 0 {
				return nil, ErrInvalidHeader
			}
			if bodyLen > MaxPayloadLength {
				return nil, ErrPayloadTooLarge
			}

			d.pkt.Length = length
			d.pkt.Version = version
			d.pkt.CmdType = Command(cmd)
			if bodyLen == 0 {
				d.pkt.Body = nil
				pkt := d.pkt
				d.Reset()
				return &pkt, nil
			}
			d.body = make([]byte, bodyLen)
			d.have = 0
			d.stage = stageBody

		case stageBody:
			n, err := readFn(d.body[d.have:])
			d.have += n
			if d.have < len(d.body) {
				return nil, translate(err)
			}
			d.pkt.Body = d.body
			pkt := d.pkt
			d.Reset()
			return &pkt, nil
		}
	}
}

// translate turns a nil error after a short read into ErrWouldBlock (the
// non-blocking socket has nothing more buffered right now) and passes any
// other error through unchanged.
func translate(err error) error {
	if err == nil {
		return ErrWouldBlock
	}
	return err
}
