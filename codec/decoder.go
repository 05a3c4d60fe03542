package codec

import (
	"fmt"
	"math"

	"github.com/chorus-labs/antiphon/common"
)

// Decoder reads one received message. A decoder borrows the buffer it was created
// over: string and byte values are views into that buffer and stay valid only as long
// as the buffer does. A message is immutable once decoded.
//
// An absent key is a normal outcome, reported through the bool return of the Read
// methods - optional arguments and schema evolution rely on it. Reading a present key
// as the wrong type is a programming error and panics.
type Decoder struct {
	entries map[Key]decoderEntry
}

type decoderEntry struct {
	valType  byte
	intVal   int64
	floatVal float64
	strVal   string
	bytesVal []byte
	subDec   *Decoder
}

// NewDecoder parses buff into a decoder, validating the whole message including any
// nested sub messages. A zero length buffer decodes to an empty message.
func NewDecoder(buff []byte) (*Decoder, error) {
	entries := make(map[Key]decoderEntry)
	offset := 0
	for offset < len(buff) {
		if len(buff)-offset < 5 {
			return nil, common.NewIPCErrorf(common.CodecError, "truncated entry header at offset %d", offset)
		}
		var ukey uint32
		ukey, offset = common.ReadUint32FromBufferLE(buff, offset)
		key := Key(int32(ukey))
		valType := buff[offset]
		offset++
		entry := decoderEntry{valType: valType}
		var err error
		switch valType {
		case typeInt32:
			var v uint32
			if v, offset, err = readFixed32(buff, offset, key); err != nil {
				return nil, err
			}
			entry.intVal = int64(int32(v))
		case typeInt64, typeSize:
			var v uint64
			if v, offset, err = readFixed64(buff, offset, key); err != nil {
				return nil, err
			}
			entry.intVal = int64(v)
		case typeFloat32:
			var v uint32
			if v, offset, err = readFixed32(buff, offset, key); err != nil {
				return nil, err
			}
			entry.floatVal = float64(math.Float32frombits(v))
		case typeFloat64:
			var v uint64
			if v, offset, err = readFixed64(buff, offset, key); err != nil {
				return nil, err
			}
			entry.floatVal = math.Float64frombits(v)
		case typeString:
			var v []byte
			if v, offset, err = readLengthPrefixed(buff, offset, key); err != nil {
				return nil, err
			}
			entry.strVal = common.ByteSliceToStringZeroCopy(v)
		case typeBytes:
			var v []byte
			if v, offset, err = readLengthPrefixed(buff, offset, key); err != nil {
				return nil, err
			}
			entry.bytesVal = v
		case typeSubMessage:
			var v []byte
			if v, offset, err = readLengthPrefixed(buff, offset, key); err != nil {
				return nil, err
			}
			if entry.subDec, err = NewDecoder(v); err != nil {
				return nil, err
			}
		default:
			return nil, common.NewIPCErrorf(common.CodecError, "unknown value type %d for key %d", valType, key)
		}
		if _, exists := entries[key]; exists {
			return nil, common.NewIPCErrorf(common.CodecError, "duplicate key %d", key)
		}
		entries[key] = entry
	}
	return &Decoder{entries: entries}, nil
}

func readFixed32(buff []byte, offset int, key Key) (uint32, int, error) {
	if len(buff)-offset < 4 {
		return 0, 0, common.NewIPCErrorf(common.CodecError, "truncated value for key %d", key)
	}
	v, offset := common.ReadUint32FromBufferLE(buff, offset)
	return v, offset, nil
}

func readFixed64(buff []byte, offset int, key Key) (uint64, int, error) {
	if len(buff)-offset < 8 {
		return 0, 0, common.NewIPCErrorf(common.CodecError, "truncated value for key %d", key)
	}
	v, offset := common.ReadUint64FromBufferLE(buff, offset)
	return v, offset, nil
}

func readLengthPrefixed(buff []byte, offset int, key Key) ([]byte, int, error) {
	if len(buff)-offset < 4 {
		return nil, 0, common.NewIPCErrorf(common.CodecError, "truncated length for key %d", key)
	}
	l, offset := common.ReadUint32FromBufferLE(buff, offset)
	if uint32(len(buff)-offset) < l {
		return nil, 0, common.NewIPCErrorf(common.CodecError, "truncated value for key %d", key)
	}
	return buff[offset : offset+int(l)], offset + int(l), nil
}

func (d *Decoder) HasKey(key Key) bool {
	checkApplicationKey(key)
	_, exists := d.entries[key]
	return exists
}

func (d *Decoder) ReadInt32(key Key) (int32, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return 0, false
	}
	d.checkType(key, entry, typeInt32)
	return int32(entry.intVal), true
}

func (d *Decoder) ReadInt64(key Key) (int64, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return 0, false
	}
	d.checkType(key, entry, typeInt64)
	return entry.intVal, true
}

func (d *Decoder) ReadSize(key Key) (int, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return 0, false
	}
	d.checkType(key, entry, typeSize)
	return int(entry.intVal), true
}

func (d *Decoder) ReadFloat32(key Key) (float32, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return 0, false
	}
	d.checkType(key, entry, typeFloat32)
	return float32(entry.floatVal), true
}

func (d *Decoder) ReadFloat64(key Key) (float64, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return 0, false
	}
	d.checkType(key, entry, typeFloat64)
	return entry.floatVal, true
}

func (d *Decoder) ReadString(key Key) (string, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return "", false
	}
	d.checkType(key, entry, typeString)
	return entry.strVal, true
}

// ReadBytes returns a view into the decoded buffer, not a copy.
func (d *Decoder) ReadBytes(key Key) ([]byte, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return nil, false
	}
	d.checkType(key, entry, typeBytes)
	return entry.bytesVal, true
}

func (d *Decoder) ReadSubMessage(key Key) (*Decoder, bool) {
	checkApplicationKey(key)
	entry, exists := d.entries[key]
	if !exists {
		return nil, false
	}
	d.checkType(key, entry, typeSubMessage)
	return entry.subDec, true
}

func (d *Decoder) ReadSendThread() (ThreadRef, bool) {
	entry, exists := d.entries[sendThreadKey]
	if !exists {
		return InvalidThreadRef, false
	}
	d.checkType(sendThreadKey, entry, typeSize)
	return ThreadRef(entry.intVal), true
}

func (d *Decoder) ReadReceiveThread() (ThreadRef, bool) {
	entry, exists := d.entries[receiveThreadKey]
	if !exists {
		return InvalidThreadRef, false
	}
	d.checkType(receiveThreadKey, entry, typeSize)
	return ThreadRef(entry.intVal), true
}

func (d *Decoder) checkType(key Key, entry decoderEntry, expected byte) {
	if entry.valType != expected {
		panic(fmt.Sprintf("key %d read as %s but message holds %s", key, typeName(expected),
			typeName(entry.valType)))
	}
}

func typeName(valType byte) string {
	switch valType {
	case typeInt32:
		return "int32"
	case typeInt64:
		return "int64"
	case typeSize:
		return "size"
	case typeFloat32:
		return "float32"
	case typeFloat64:
		return "float64"
	case typeString:
		return "string"
	case typeBytes:
		return "bytes"
	case typeSubMessage:
		return "sub message"
	default:
		return fmt.Sprintf("unknown type %d", valType)
	}
}
