package opto

import (
	"encoding/hex"
)

// Register write command layout (16 bytes):
//
//	offset  size  field
//	0       2     destination id, 0x0000
//	2       1     transaction label, 0xF8
//	3       1     tcode/priority, 0x00
//	4       2     source id, 0x0000
//	6       6     destination offset (memory map address)
//	12      4     quadlet data
const (
	CommandSize = 16

	addressSize = 6
	quadletSize = 4

	transactionLabel byte = 0xF8
)

// Power-up clear is the first command on every new connection.
const (
	PowerUpClearAddress = "F0380000"
	PowerUpClearData    = "00000001"
)

var commandHeader = [6]byte{0x00, 0x00, transactionLabel, 0x00, 0x00, 0x00}

// WriteCommand is a register write ready to encode.
type WriteCommand struct {
	AddressHex string // 6 bytes, prefix and suffix already applied
	DataHex    string // 4 bytes
}

// Encode builds the wire bytes of the command.
func (c WriteCommand) Encode() ([]byte, error) {
	return EncodeWrite(c.AddressHex, c.DataHex)
}

// EncodeWrite builds a register write command. address must decode to
// exactly 6 bytes and valueHex to exactly 4.
func EncodeWrite(address, valueHex string) ([]byte, error) {
	addr, err := decodeField("address", address, addressSize)
	if err != nil {
		return nil, err
	}
	data, err := decodeField("data", valueHex, quadletSize)
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, 0, CommandSize)
	pkt = append(pkt, commandHeader[:]...)
	pkt = append(pkt, addr...)
	pkt = append(pkt, data...)
	return pkt, nil
}

func decodeField(field, s string, want int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &MalformedCommandError{Field: field, Length: -1, Want: want, Err: err}
	}
	if len(b) != want {
		return nil, &MalformedCommandError{Field: field, Length: len(b), Want: want}
	}
	return b, nil
}
