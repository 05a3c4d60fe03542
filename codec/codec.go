package codec

/*
Messages are encoded as a flat sequence of entries, one per key, ordered by ascending
key so that the encoding of a message is deterministic:

	entry: key (int32, little endian)
	       value type (single byte)
	       value (layout depends on type)

Fixed width values (int32, int64, size, float32, float64) are little endian. Strings,
byte buffers and nested sub messages are length prefixed with a uint32. There is no
entry count - the sequence ends at the end of the buffer, and a zero length buffer is
a valid message with no entries.
*/

// Key identifies one value within a message. Application keys must be >= 0 - the
// negative key space belongs to the dispatch layer and is reached only through the
// thread tagging methods on Encoder and Decoder.
type Key int32

// ThreadRef identifies a goroutine for routing purposes. It crosses the wire as a
// size value. ThreadRef(0) means "no thread".
type ThreadRef int64

const InvalidThreadRef ThreadRef = 0

const (
	sendThreadKey    Key = -1
	receiveThreadKey Key = -2
)

const (
	typeInt32 byte = iota + 1
	typeInt64
	typeSize
	typeFloat32
	typeFloat64
	typeString
	typeBytes
	typeSubMessage
)

func checkApplicationKey(key Key) {
	if key < 0 {
		panic("negative message keys are reserved for the dispatch layer")
	}
}
