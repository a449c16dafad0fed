package mbus

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC computes the Modbus CRC16 (poly 0xA001 reflected, init 0xFFFF)
// over body. An empty body yields 0xFFFF.
func CRC(body []byte) uint16 {
	return crc16.Checksum(body, crcTable)
}

// AppendCRC returns body followed by its CRC, low byte first.
func AppendCRC(body []byte) []byte {
	crc := CRC(body)
	return append(body, byte(crc&0xff), byte(crc>>8))
}

// VerifyCRC reports whether frame is at least 4 bytes long and its final
// two bytes match the CRC of the preceding bytes.
func VerifyCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	n := len(frame) - 2
	crc := CRC(frame[:n])
	return frame[n] == byte(crc&0xff) && frame[n+1] == byte(crc>>8)
}
