package queue

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

func unixSeconds(ts int64) time.Time { return time.Unix(ts, 0).UTC() }

// diskVersion1 is the only queue-entry-on-disk format version this
// module writes or reads.
const diskVersion1 = 1

var statusCodes = map[Status]byte{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:     3,
	StatusCancelled:  4,
}

var statusByCode = map[byte]Status{
	0: StatusPending,
	1: StatusInProgress,
	2: StatusCompleted,
	3: StatusFailed,
	4: StatusCancelled,
}

var priorityCodes = map[Priority]byte{
	PriorityBackground: 0,
	PriorityLow:        1,
	PriorityNormal:      2,
	PriorityHigh:        3,
	PriorityCritical:    4,
}

var priorityByCode = map[byte]Priority{
	0: PriorityBackground,
	1: PriorityLow,
	2: PriorityNormal,
	3: PriorityHigh,
	4: PriorityCritical,
}

// EncodeEntry serializes item as the versioned on-disk blob this module
// defines:
// v1 || id(16) || priority_u8 || attempts_u16 || status_u8 || ts_i64 ||
// payload_len_u32 || payload.
func EncodeEntry(item *Item) ([]byte, error) {
	idBytes, err := item.ID.MarshalBinary()
	if err != nil {
		return nil, herrors.New(herrors.KindInternal, "queue.EncodeEntry", err)
	}

	buf := make([]byte, 0, 1+16+1+2+1+8+4+len(item.Payload))
	buf = append(buf, diskVersion1)
	buf = append(buf, idBytes...)
	buf = append(buf, priorityCodes[item.Priority])

	var attemptsBytes [2]byte
	binary.BigEndian.PutUint16(attemptsBytes[:], uint16(item.Attempts))
	buf = append(buf, attemptsBytes[:]...)

	buf = append(buf, statusCodes[item.Status])

	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(item.InsertedAt.Unix()))
	buf = append(buf, tsBytes[:]...)

	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(item.Payload)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, item.Payload...)

	return buf, nil
}

// DecodeEntry parses a blob written by EncodeEntry.
func DecodeEntry(data []byte) (*Item, error) {
	const headerLen = 1 + 16 + 1 + 2 + 1 + 8 + 4
	if len(data) < headerLen {
		return nil, herrors.New(herrors.KindValidation, "queue.DecodeEntry", fmt.Errorf("entry too short: %d bytes", len(data)))
	}
	if data[0] != diskVersion1 {
		return nil, herrors.New(herrors.KindValidation, "queue.DecodeEntry", fmt.Errorf("unsupported entry version %d", data[0]))
	}

	off := 1
	var id uuid.UUID
	if err := id.UnmarshalBinary(data[off : off+16]); err != nil {
		return nil, herrors.New(herrors.KindValidation, "queue.DecodeEntry", err)
	}
	off += 16

	priority, ok := priorityByCode[data[off]]
	if !ok {
		return nil, herrors.New(herrors.KindValidation, "queue.DecodeEntry", fmt.Errorf("unknown priority code %d", data[off]))
	}
	off++

	attempts := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2

	status, ok := statusByCode[data[off]]
	if !ok {
		return nil, herrors.New(herrors.KindValidation, "queue.DecodeEntry", fmt.Errorf("unknown status code %d", data[off]))
	}
	off++

	ts := int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8

	payloadLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4

	if len(data) < off+payloadLen {
		return nil, herrors.New(herrors.KindValidation, "queue.DecodeEntry", fmt.Errorf("payload length %d exceeds entry", payloadLen))
	}
	payload := append([]byte(nil), data[off:off+payloadLen]...)

	return &Item{
		ID:         id,
		Payload:    payload,
		Priority:   priority,
		Attempts:   attempts,
		Status:     status,
		InsertedAt: unixSeconds(ts),
	}, nil
}
