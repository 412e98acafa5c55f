package wire

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"dirsync/config"
)

// EncodeFileMeta serializes a FILE_META packet into a MaxPacketSize
// datagram, computing its HMAC over the zero-normalized buffer.
func EncodeFileMeta(r MetaRecord, key []byte) ([]byte, error) {
	buf := make([]byte, config.MaxPacketSize)
	buf[0] = byte(OpFileMeta)
	pos := 1

	nameBytes := []byte(r.Filename)
	end := pos + config.HashSize + config.NameSizeSize + len(nameBytes) + 1
	if end+config.HMACSize > config.MaxPacketSize {
		return nil, fmt.Errorf("wire: filename too long to fit in a packet: %w", ErrMalformedPacket)
	}

	copy(buf[pos:], r.Key[:])
	pos += config.HashSize

	binary.BigEndian.PutUint32(buf[pos:], uint32(len(nameBytes)))
	pos += config.NameSizeSize

	copy(buf[pos:], nameBytes)
	pos += len(nameBytes)

	buf[pos] = boolByte(r.HasNext)
	pos++

	// buf[pos:] is already zero — this is the HMAC region plus padding.
	mac := computeHMAC(buf, key)
	copy(buf[pos:], mac)

	return buf, nil
}

// DecodeFileMeta parses and HMAC-verifies a FILE_META datagram.
func DecodeFileMeta(buf []byte, key []byte) (MetaRecord, error) {
	if len(buf) != config.MaxPacketSize || buf[0] != byte(OpFileMeta) {
		return MetaRecord{}, ErrMalformedPacket
	}
	pos := 1

	var fk FileKey
	if pos+config.HashSize > len(buf) {
		return MetaRecord{}, ErrMalformedPacket
	}
	copy(fk[:], buf[pos:pos+config.HashSize])
	pos += config.HashSize

	if pos+config.NameSizeSize > len(buf) {
		return MetaRecord{}, ErrMalformedPacket
	}
	nameLen := binary.BigEndian.Uint32(buf[pos:])
	pos += config.NameSizeSize

	if pos+int(nameLen)+1+config.HMACSize > len(buf) {
		return MetaRecord{}, ErrMalformedPacket
	}
	filename := string(buf[pos : pos+int(nameLen)])
	pos += int(nameLen)

	if pos >= len(buf) {
		return MetaRecord{}, ErrMalformedPacket
	}
	hasNext := buf[pos] != 0
	pos++

	if pos+config.HMACSize > len(buf) {
		return MetaRecord{}, ErrMalformedPacket
	}
	gotMAC := make([]byte, config.HMACSize)
	copy(gotMAC, buf[pos:pos+config.HMACSize])

	normalized := make([]byte, len(buf))
	copy(normalized, buf[:pos])
	// zero from the HMAC region to the end, matching the encoder.
	wantMAC := computeHMAC(normalized, key)

	if !hmac.Equal(gotMAC, wantMAC) {
		return MetaRecord{}, ErrMalformedPacket
	}

	return MetaRecord{Key: fk, Filename: filename, HasNext: hasNext}, nil
}

// EncodeDataTransfer serializes a DATA_TRANSFER packet. Unlike FILE_META
// and ACK, DATA_TRANSFER carries no HMAC.
func EncodeDataTransfer(r DataRecord) ([]byte, error) {
	buf := make([]byte, config.MaxPacketSize)
	buf[0] = byte(OpDataTransfer)
	pos := 1

	end := pos + config.SeqNumSize + config.HashSize + 1 + config.DataSizeSize + len(r.Payload)
	if end > config.MaxPacketSize {
		return nil, fmt.Errorf("wire: payload too large to fit in a packet: %w", ErrMalformedPacket)
	}

	binary.BigEndian.PutUint16(buf[pos:], r.SeqNum)
	pos += config.SeqNumSize

	copy(buf[pos:], r.Key[:])
	pos += config.HashSize

	buf[pos] = boolByte(r.HasNext)
	pos++

	binary.BigEndian.PutUint16(buf[pos:], uint16(len(r.Payload)))
	pos += config.DataSizeSize

	copy(buf[pos:], r.Payload)

	return buf, nil
}

// DecodeDataTransfer parses a DATA_TRANSFER datagram. There is no HMAC to
// verify.
func DecodeDataTransfer(buf []byte) (DataRecord, error) {
	if len(buf) != config.MaxPacketSize || buf[0] != byte(OpDataTransfer) {
		return DataRecord{}, ErrMalformedPacket
	}
	pos := 1

	if pos+config.SeqNumSize > len(buf) {
		return DataRecord{}, ErrMalformedPacket
	}
	seq := binary.BigEndian.Uint16(buf[pos:])
	pos += config.SeqNumSize

	var fk FileKey
	if pos+config.HashSize > len(buf) {
		return DataRecord{}, ErrMalformedPacket
	}
	copy(fk[:], buf[pos:pos+config.HashSize])
	pos += config.HashSize

	if pos >= len(buf) {
		return DataRecord{}, ErrMalformedPacket
	}
	hasNext := buf[pos] != 0
	pos++

	if pos+config.DataSizeSize > len(buf) {
		return DataRecord{}, ErrMalformedPacket
	}
	dataLen := binary.BigEndian.Uint16(buf[pos:])
	pos += config.DataSizeSize

	if int(dataLen) > len(buf)-pos {
		return DataRecord{}, ErrMalformedPacket
	}
	payload := make([]byte, dataLen)
	copy(payload, buf[pos:pos+int(dataLen)])

	return DataRecord{Key: fk, SeqNum: seq, HasNext: hasNext, Payload: payload}, nil
}

// EncodeAck serializes an ACK packet, computing its HMAC over the
// zero-normalized buffer.
func EncodeAck(r AckRecord, key []byte) ([]byte, error) {
	buf := make([]byte, config.MaxPacketSize)
	buf[0] = byte(OpAck)
	pos := 1

	end := pos + config.SeqNumSize + config.HashSize + config.TimestampSize
	if end+config.HMACSize > config.MaxPacketSize {
		return nil, fmt.Errorf("wire: ack does not fit in a packet: %w", ErrMalformedPacket)
	}

	binary.BigEndian.PutUint16(buf[pos:], r.SeqNum)
	pos += config.SeqNumSize

	copy(buf[pos:], r.Key[:])
	pos += config.HashSize

	binary.BigEndian.PutUint64(buf[pos:], uint64(r.Timestamp))
	pos += config.TimestampSize

	mac := computeHMAC(buf, key)
	copy(buf[pos:], mac)

	return buf, nil
}

// DecodeAck parses and HMAC-verifies an ACK datagram.
func DecodeAck(buf []byte, key []byte) (AckRecord, error) {
	if len(buf) != config.MaxPacketSize || buf[0] != byte(OpAck) {
		return AckRecord{}, ErrMalformedPacket
	}
	pos := 1

	if pos+config.SeqNumSize > len(buf) {
		return AckRecord{}, ErrMalformedPacket
	}
	seq := binary.BigEndian.Uint16(buf[pos:])
	pos += config.SeqNumSize

	var fk FileKey
	if pos+config.HashSize > len(buf) {
		return AckRecord{}, ErrMalformedPacket
	}
	copy(fk[:], buf[pos:pos+config.HashSize])
	pos += config.HashSize

	if pos+config.TimestampSize > len(buf) {
		return AckRecord{}, ErrMalformedPacket
	}
	ts := int64(binary.BigEndian.Uint64(buf[pos:]))
	pos += config.TimestampSize

	if pos+config.HMACSize > len(buf) {
		return AckRecord{}, ErrMalformedPacket
	}
	gotMAC := make([]byte, config.HMACSize)
	copy(gotMAC, buf[pos:pos+config.HMACSize])

	normalized := make([]byte, len(buf))
	copy(normalized, buf[:pos])
	wantMAC := computeHMAC(normalized, key)

	if !hmac.Equal(gotMAC, wantMAC) {
		return AckRecord{}, ErrMalformedPacket
	}

	return AckRecord{Key: fk, SeqNum: seq, Timestamp: ts}, nil
}

// PeekOpcode reads the opcode byte of a received datagram without fully
// decoding it, used by the receiver to dispatch before it knows which
// decoder to call.
func PeekOpcode(buf []byte) (Opcode, error) {
	if len(buf) == 0 {
		return 0, ErrMalformedPacket
	}
	switch Opcode(buf[0]) {
	case OpFileMeta, OpDataTransfer, OpAck:
		return Opcode(buf[0]), nil
	default:
		return 0, ErrMalformedPacket
	}
}

// computeHMAC returns HMAC-SHA1 over the whole of buf. Callers pass a buffer
// whose HMAC region and padding are zero: freshly allocated (encode) or
// zero-normalized copy (decode). buf itself is never mutated by this
// function.
func computeHMAC(buf []byte, key []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(buf)
	return h.Sum(nil)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
