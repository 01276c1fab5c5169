package mesh

import (
	"encoding/binary"
	"fmt"

	"github.com/handreceipt/handreceipt/pkg/chain/canon"
	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// frameVersion1 is the only gossip wire-frame version this module
// writes or reads.
const frameVersion1 = 1

// EncodeFrame builds the gossip wire frame: version_u8=1 || kind_u8 ||
// len_u32_be || payload, with payload as canonical JSON.
func EncodeFrame(msg *Message) ([]byte, error) {
	payload, err := canon.Marshal(msg)
	if err != nil {
		return nil, herrors.New(herrors.KindInternal, "mesh.EncodeFrame", err)
	}

	buf := make([]byte, 0, 1+1+4+len(payload))
	buf = append(buf, frameVersion1)
	buf = append(buf, byte(msg.Kind))

	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, payload...)

	return buf, nil
}

// DecodeFrame parses a frame written by EncodeFrame.
func DecodeFrame(data []byte) (*Message, error) {
	if len(data) < 6 {
		return nil, herrors.New(herrors.KindValidation, "mesh.DecodeFrame", fmt.Errorf("frame too short: %d bytes", len(data)))
	}
	if data[0] != frameVersion1 {
		return nil, herrors.New(herrors.KindValidation, "mesh.DecodeFrame", fmt.Errorf("unsupported frame version %d", data[0]))
	}
	kind := MessageKind(data[1])
	payloadLen := binary.BigEndian.Uint32(data[2:6])
	if len(data) < 6+int(payloadLen) {
		return nil, herrors.New(herrors.KindValidation, "mesh.DecodeFrame", fmt.Errorf("payload length %d exceeds frame", payloadLen))
	}

	var msg Message
	if err := canon.Unmarshal(data[6:6+payloadLen], &msg); err != nil {
		return nil, herrors.New(herrors.KindValidation, "mesh.DecodeFrame", err)
	}
	msg.Kind = kind
	return &msg, nil
}
