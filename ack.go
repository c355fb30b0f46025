// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import "encoding/binary"

// AckError is the wire error code carried by an [Ack]: zero on success,
// a native OS error code, or one of the sentinels below.
type AckError uint32

// AckOK is the success value (error field 0).
const AckOK AckError = 0

// Sentinel ack errors of the wire protocol. Native OS error codes
// share the same uint32 wire representation but are not enumerated
// here; see internal/ackerr for the Go-error-to-AckError mapping.
const (
	AckErrOpenVPNStartup AckError = 0xE0000001
	AckErrStartupData    AckError = 0xE0000002
	AckErrMessageData    AckError = 0xE0000003
	AckErrMessageType    AckError = 0xE0000004
)

// Ack is the response message: header plus a single error field.
type Ack struct {
	Type      RequestType
	MessageID uint32
	Error     AckError
}

// AckWireSize is the fixed encoded size of an Ack (header + error).
const AckWireSize = 4 + 4 + 4 + 4

// NewAck builds a success or failure ack mirroring the message_id of
// the request it answers.
func NewAck(messageID uint32, err AckError) Ack {
	return Ack{Type: typeAck, MessageID: messageID, Error: err}
}

// EncodeAck serializes ack into its fixed little-endian wire form:
// {type:u32, size:u32, message_id:u32, error:u32}.
func EncodeAck(ack Ack) []byte {
	buf := make([]byte, AckWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ack.Type))
	binary.LittleEndian.PutUint32(buf[4:8], AckWireSize)
	binary.LittleEndian.PutUint32(buf[8:12], ack.MessageID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ack.Error))
	return buf
}
