package proxy

import (
	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/transport"
)

// Keys of the bulk read convention. Calls carry the remote object reference, the
// byte offset and the byte count; successful replies carry the bytes, failed ones
// carry nothing.
const (
	bulkRefKey    codec.Key = 0
	bulkOffsetKey codec.Key = 1
	bulkCountKey  codec.Key = 2
	bulkDataKey   codec.Key = 3
)

/*
BulkTransfer reads large byte ranges through size bounded messages. A request
larger than the split threshold recurses into two half sized requests, so a single
huge read cannot monopolise the channel and the peer never has to stage the whole
range in one message. The split is invisible to the caller: dest is filled byte for
byte as if one call had been made. A range whose read fails remotely is zero filled
and the whole transfer reports false, while the other ranges keep their data.
*/
type BulkTransfer struct {
	caller         *Caller
	splitThreshold int
}

// NewBulkTransfer creates a BulkTransfer which splits requests larger than
// splitThreshold bytes.
func NewBulkTransfer(caller *Caller, splitThreshold int) *BulkTransfer {
	if splitThreshold < 1 {
		panic("bulk split threshold must be positive")
	}
	return &BulkTransfer{
		caller:         caller,
		splitThreshold: splitThreshold,
	}
}

// ReadBytes fills dest with len(dest) bytes of the remote object ref starting at
// offset, calling methodID which must follow the bulk read convention. It reports
// false if any part of the transfer failed; the failed parts of dest are zero
// filled. A returned error means the transport failed and dest is unspecified.
func (b *BulkTransfer) ReadBytes(methodID transport.MessageID, ref int, offset int64,
	dest []byte) (bool, error) {
	if len(dest) == 0 {
		return true, nil
	}
	if len(dest) > b.splitThreshold {
		half := len(dest) / 2
		okFirst, err := b.ReadBytes(methodID, ref, offset, dest[:half])
		if err != nil {
			return false, err
		}
		okSecond, err := b.ReadBytes(methodID, ref, offset+int64(half), dest[half:])
		if err != nil {
			return false, err
		}
		return okFirst && okSecond, nil
	}
	args := codec.NewEncoder()
	args.AppendSize(bulkRefKey, ref)
	args.AppendInt64(bulkOffsetKey, offset)
	args.AppendSize(bulkCountKey, len(dest))
	var ok bool
	err := b.caller.Call(methodID, args, func(reply *codec.Decoder) {
		// The decoder only lives for the duration of this callback so the bytes
		// must be copied out here.
		data, found := reply.ReadBytes(bulkDataKey)
		if found && len(data) == len(dest) {
			copy(dest, data)
			ok = true
		}
	})
	if err != nil {
		return false, err
	}
	if !ok {
		zeroFill(dest)
	}
	return ok, nil
}

func zeroFill(buff []byte) {
	for i := range buff {
		buff[i] = 0
	}
}
