// Package protocol implements the broker's wire format: a length-prefixed
// binary framing of Gearman-style job-queue commands, plus an incremental
// decoder that can be fed bytes as they arrive from a non-blocking socket.
package protocol

import (
	"encoding/binary"
	"errors"
)

// HeaderLength is the fixed header size: Length(4) + Version(2) + CmdType(2).
const HeaderLength = 8

// MaxPayloadLength bounds a single packet's body, guarding against a
// malicious or buggy peer driving an unbounded allocation.
const MaxPayloadLength = 4 * 1024 * 1024

// ProtocolVersion is the current wire format version.
const ProtocolVersion = 1

// Command identifies the operation a Packet carries.
type Command uint16

const (
	_ Command = iota
	CmdHeartbeat
	CmdCanDo
	CmdCantDo
	CmdGrabJob
	CmdNoJob
	CmdJobAssign
	CmdPreSleep
	CmdNoop
	CmdSubmitJob
	CmdJobCreated
	CmdWorkData
	CmdWorkComplete
	CmdWorkFail
	CmdEchoReq
	CmdEchoRes
	CmdAdminStatus
	CmdAdminStatusRes
)

var commandNames = map[Command]string{
	CmdHeartbeat:      "heartbeat",
	CmdCanDo:          "can_do",
	CmdCantDo:         "cant_do",
	CmdGrabJob:        "grab_job",
	CmdNoJob:          "no_job",
	CmdJobAssign:      "job_assign",
	CmdPreSleep:       "pre_sleep",
	CmdNoop:           "noop",
	CmdSubmitJob:      "submit_job",
	CmdJobCreated:     "job_created",
	CmdWorkData:       "work_data",
	CmdWorkComplete:   "work_complete",
	CmdWorkFail:       "work_fail",
	CmdEchoReq:        "echo_req",
	CmdEchoRes:        "echo_res",
	CmdAdminStatus:    "admin_status",
	CmdAdminStatusRes: "admin_status_res",
}

// String gives each Command a stable lowercase name, used as a metrics
// label so dashboards don't have to decode raw Command integers.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Packet is one complete decoded protocol message.
type Packet struct {
	Length  uint32
	Version uint16
	CmdType Command
	Body    []byte
}

var (
	// ErrPayloadTooLarge is returned when a header advertises a body larger
	// than MaxPayloadLength.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum allowed size")
	// ErrInvalidHeader is returned when a header's length field is not
	// internally consistent.
	ErrInvalidHeader = errors.New("protocol: invalid message header")
)

// Encode serializes a Packet into its wire representation.
func Encode(p *Packet) ([]byte, error) {
	bodyLen := len(p.Body)
	if bodyLen > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}

	p.Length = uint32(4 + bodyLen)
	p.Version = ProtocolVersion

	data := make([]byte, HeaderLength+bodyLen)
	binary.BigEndian.PutUint32(data[0:4], p.Length)
	binary.BigEndian.PutUint16(data[4:6], p.Version)
	binary.BigEndian.PutUint16(data[6:8], uint16(p.CmdType))
	if bodyLen > 0 {
		copy(data[HeaderLength:], p.Body)
	}
	return data, nil
}

// Reset clears a Packet's fields so it can be returned to a pool and
// reacquired without carrying stale data.
func (p *Packet) Reset() {
	p.Length = 0
	p.Version = 0
	p.CmdType = 0
	p.Body = nil
}
