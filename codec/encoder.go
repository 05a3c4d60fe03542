package codec

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/chorus-labs/antiphon/common"
)

// Encoder builds one outgoing message. It is write once and single owner: the caller
// appends values by key, then the send path calls Bytes exactly once. Appending after
// Bytes, or appending the same key twice, panics.
type Encoder struct {
	entries  *treemap.Map
	complete bool
}

type encoderEntry struct {
	valType  byte
	intVal   int64
	floatVal float64
	strVal   string
	bytesVal []byte
	subVal   *Encoder
}

func NewEncoder() *Encoder {
	return &Encoder{entries: treemap.NewWith(utils.Int32Comparator)}
}

func (e *Encoder) AppendInt32(key Key, val int32) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeInt32, intVal: int64(val)})
}

func (e *Encoder) AppendInt64(key Key, val int64) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeInt64, intVal: val})
}

func (e *Encoder) AppendSize(key Key, val int) {
	checkApplicationKey(key)
	if val < 0 {
		panic(fmt.Sprintf("size value for key %d cannot be negative", key))
	}
	e.putEntry(key, encoderEntry{valType: typeSize, intVal: int64(val)})
}

func (e *Encoder) AppendFloat32(key Key, val float32) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeFloat32, floatVal: float64(val)})
}

func (e *Encoder) AppendFloat64(key Key, val float64) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeFloat64, floatVal: val})
}

func (e *Encoder) AppendString(key Key, val string) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeString, strVal: val})
}

// AppendBytes copies val into the message.
func (e *Encoder) AppendBytes(key Key, val []byte) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeBytes, bytesVal: common.ByteSliceCopy(val)})
}

// AppendBytesNoCopy stores val without copying it. The caller must not mutate val
// until the send call that consumes this encoder has returned. Used for large sample
// buffers where the copy would dominate the cost of the call.
func (e *Encoder) AppendBytesNoCopy(key Key, val []byte) {
	checkApplicationKey(key)
	e.putEntry(key, encoderEntry{valType: typeBytes, bytesVal: val})
}

// AppendSubMessage returns an encoder for a nested message stored under key. The
// nested encoder stays writable until Bytes is called on this encoder.
func (e *Encoder) AppendSubMessage(key Key) *Encoder {
	checkApplicationKey(key)
	sub := NewEncoder()
	e.putEntry(key, encoderEntry{valType: typeSubMessage, subVal: sub})
	return sub
}

// AppendSendThread and AppendReceiveThread tag the message for routing. They are the
// only way to write into the reserved negative key space.

func (e *Encoder) AppendSendThread(ref ThreadRef) {
	e.putEntry(sendThreadKey, encoderEntry{valType: typeSize, intVal: int64(ref)})
}

func (e *Encoder) AppendReceiveThread(ref ThreadRef) {
	e.putEntry(receiveThreadKey, encoderEntry{valType: typeSize, intVal: int64(ref)})
}

func (e *Encoder) putEntry(key Key, entry encoderEntry) {
	if e.complete {
		panic("cannot append to an encoder that has already been encoded")
	}
	if _, exists := e.entries.Get(int32(key)); exists {
		panic(fmt.Sprintf("key %d has already been appended", key))
	}
	e.entries.Put(int32(key), entry)
}

// Bytes encodes the message and marks the encoder, and any sub message encoders it
// owns, complete.
func (e *Encoder) Bytes() []byte {
	if e.complete {
		panic("encoder has already been encoded")
	}
	return e.encode(nil)
}

func (e *Encoder) encode(buff []byte) []byte {
	e.complete = true
	iter := e.entries.Iterator()
	for iter.Next() {
		key := iter.Key().(int32)
		entry := iter.Value().(encoderEntry)
		buff = common.AppendUint32ToBufferLE(buff, uint32(key))
		buff = append(buff, entry.valType)
		switch entry.valType {
		case typeInt32:
			buff = common.AppendUint32ToBufferLE(buff, uint32(entry.intVal))
		case typeInt64, typeSize:
			buff = common.AppendUint64ToBufferLE(buff, uint64(entry.intVal))
		case typeFloat32:
			buff = common.AppendFloat32ToBufferLE(buff, float32(entry.floatVal))
		case typeFloat64:
			buff = common.AppendFloat64ToBufferLE(buff, entry.floatVal)
		case typeString:
			buff = common.AppendStringToBufferLE(buff, entry.strVal)
		case typeBytes:
			buff = common.AppendBytesToBufferLE(buff, entry.bytesVal)
		case typeSubMessage:
			buff = common.AppendBytesToBufferLE(buff, entry.subVal.encode(nil))
		default:
			panic(fmt.Sprintf("unexpected value type %d", entry.valType))
		}
	}
	return buff
}
