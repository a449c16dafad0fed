package mbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// mbapHeaderLen is transaction-id (2) + protocol-id (2) + length (2) + unit-id (1).
const mbapHeaderLen = 7

// maxPDULen bounds the MBAP length field, which counts the unit-id byte
// plus the PDU; a length of at most 253 leaves room for a PDU of at most
// 252 bytes.
const maxPDULen = 253

// ReadMBAP reads one MBAP-framed request from r and returns the
// transaction-id, unit-id and PDU (function + data). io.EOF is returned
// untouched on a clean close before any header byte; a torn header or body
// wraps ErrShort; header rule violations wrap ErrProtocol.
func ReadMBAP(r io.Reader) (tid uint16, uid uint8, pdu []byte, err error) {
	header := make([]byte, mbapHeaderLen)
	if _, err = io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, 0, nil, io.EOF
		}
		return 0, 0, nil, fmt.Errorf("%w: mbap header: %v", ErrShort, err)
	}
	tid = binary.BigEndian.Uint16(header[0:2])
	if proto := binary.BigEndian.Uint16(header[2:4]); proto != 0 {
		return 0, 0, nil, fmt.Errorf("%w: protocol id %d", ErrProtocol, proto)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > maxPDULen {
		return 0, 0, nil, fmt.Errorf("%w: length %d", ErrProtocol, length)
	}
	uid = header[6]
	pdu = make([]byte, length-1)
	if _, err = io.ReadFull(r, pdu); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: mbap body: %v", ErrShort, err)
	}
	return tid, uid, pdu, nil
}

// WriteMBAP emits one MBAP frame carrying pdu for unit uid under
// transaction-id tid. The header and body go out in a single write so a
// concurrent reader never observes a torn frame.
func WriteMBAP(w io.Writer, tid uint16, uid uint8, pdu []byte) error {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], tid)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = uid
	copy(frame[mbapHeaderLen:], pdu)
	_, err := w.Write(frame)
	return err
}

// RTUFromMBAP maps an MBAP request to the equivalent RTU frame:
// unit-id, PDU, freshly computed CRC.
func RTUFromMBAP(uid uint8, pdu []byte) []byte {
	body := make([]byte, 0, 1+len(pdu)+2)
	body = append(body, uid)
	body = append(body, pdu...)
	return AppendCRC(body)
}

// PDUFromRTU strips the CRC from an RTU frame and returns the unit-id and
// the PDU. The frame must already be CRC-verified.
func PDUFromRTU(frame []byte) (uid uint8, pdu []byte) {
	return frame[0], frame[1 : len(frame)-2]
}
