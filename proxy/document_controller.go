package proxy

import (
	"fmt"
	"sync/atomic"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/conf"
	"github.com/chorus-labs/antiphon/remoting"
	"github.com/chorus-labs/antiphon/transport"
	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru"
)

// Method ids of the document controller vocabulary. They are allocated from the
// library owned id range.
const (
	CreateDocumentControllerID  transport.MessageID = 100
	DestroyDocumentControllerID transport.MessageID = 101
	GetDocumentControllerNameID transport.MessageID = 102
	ResolveAudioSourceID        transport.MessageID = 110
	ReadAudioSourceSamplesID    transport.MessageID = 111
	GetArchiveSizeID            transport.MessageID = 120
	ReadArchiveChunkID          transport.MessageID = 121
)

// Argument and reply keys of the document controller vocabulary. Keys are scoped
// to their message so the same values recur across methods.
const (
	controllerRefKey codec.Key = 0
	nameKey          codec.Key = 1
	versionKey       codec.Key = 2
	optionsKey       codec.Key = 3
	sourceRefKey     codec.Key = 4
	archiveSizeKey   codec.Key = 5
)

const sampleCacheCounters = 100_000

/*
DocumentController is the host side proxy of one document controller living on the
plug-in side of a connection. All methods marshal their arguments, send over the
connection and block until the reply arrives. Resolved audio source references are
memoised in an LRU cache and sample ranges already read are served from an in
process cache sized in bytes, so repeated reads of the same range never cross the
connection twice.
*/
type DocumentController struct {
	caller    *Caller
	bulk      *BulkTransfer
	ref       int
	refCache  *lru.Cache
	samples   *ristretto.Cache
	destroyed atomic.Bool
}

// CreateDocumentController creates a document controller on the remote side and
// returns its proxy. A nil cfg uses the defaults.
func CreateDocumentController(conn *remoting.Connection, cfg *conf.Config, name string,
	version int32, options int64) (*DocumentController, error) {
	if cfg == nil {
		cfg = &conf.Config{}
		cfg.ApplyDefaults()
	}
	caller := NewCaller(conn)
	args := codec.NewEncoder()
	args.AppendString(nameKey, name)
	args.AppendInt32(versionKey, version)
	args.AppendInt64(optionsKey, options)
	ref, found, err := caller.CallForSize(CreateDocumentControllerID, args, controllerRefKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, common.NewIPCError(common.ProtocolError,
			"create document controller reply carries no controller reference")
	}
	refCache, err := lru.New(cfg.RefCacheEntries)
	if err != nil {
		return nil, err
	}
	samples, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: sampleCacheCounters,
		MaxCost:     cfg.SampleCacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &DocumentController{
		caller:   caller,
		bulk:     NewBulkTransfer(caller, cfg.BulkSplitThreshold),
		ref:      ref,
		refCache: refCache,
		samples:  samples,
	}, nil
}

// Ref returns the opaque remote reference of the controller.
func (d *DocumentController) Ref() int {
	return d.ref
}

// Name returns the name the controller was created with, as the remote side
// reports it.
func (d *DocumentController) Name() (string, error) {
	args := codec.NewEncoder()
	args.AppendSize(controllerRefKey, d.ref)
	name, found, err := d.caller.CallForString(GetDocumentControllerNameID, args, nameKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", common.NewIPCError(common.ProtocolError,
			"get name reply carries no name")
	}
	return name, nil
}

// ResolveAudioSource returns the remote reference of the named audio source.
// An unknown name reports found false. Resolved references are memoised.
func (d *DocumentController) ResolveAudioSource(name string) (int, bool, error) {
	if ref, ok := d.refCache.Get(name); ok {
		return ref.(int), true, nil
	}
	args := codec.NewEncoder()
	args.AppendSize(controllerRefKey, d.ref)
	args.AppendString(nameKey, name)
	ref, found, err := d.caller.CallForSize(ResolveAudioSourceID, args, sourceRefKey)
	if err != nil || !found {
		return 0, false, err
	}
	d.refCache.Add(name, ref)
	return ref, true, nil
}

// ForgetAudioSource drops the memoised reference of the named audio source, forcing
// the next resolve back to the remote side.
func (d *DocumentController) ForgetAudioSource(name string) {
	d.refCache.Remove(name)
}

// ReadAudioSourceSamples fills dest with the audio source's sample bytes starting
// at offset. Large reads are split transparently; a range whose read fails is zero
// filled and the call reports false.
func (d *DocumentController) ReadAudioSourceSamples(sourceRef int, offset int64,
	dest []byte) (bool, error) {
	key := sampleRangeKey(sourceRef, offset, len(dest))
	if cached, ok := d.samples.Get(key); ok {
		copy(dest, cached.([]byte))
		return true, nil
	}
	ok, err := d.bulk.ReadBytes(ReadAudioSourceSamplesID, sourceRef, offset, dest)
	if err != nil {
		return false, err
	}
	if ok {
		d.samples.Set(key, common.ByteSliceCopy(dest), int64(len(dest)))
	}
	return ok, nil
}

// GetArchiveSize returns the byte size of the controller's document archive.
func (d *DocumentController) GetArchiveSize() (int, error) {
	args := codec.NewEncoder()
	args.AppendSize(controllerRefKey, d.ref)
	size, found, err := d.caller.CallForSize(GetArchiveSizeID, args, archiveSizeKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, common.NewIPCError(common.ProtocolError,
			"get archive size reply carries no size")
	}
	return size, nil
}

// ReadArchiveBytes fills dest with document archive bytes starting at offset,
// with the same splitting and zero fill contract as sample reads.
func (d *DocumentController) ReadArchiveBytes(offset int64, dest []byte) (bool, error) {
	return d.bulk.ReadBytes(ReadArchiveChunkID, d.ref, offset, dest)
}

// Destroy destroys the remote controller and releases the proxy's caches. Further
// calls on the proxy are undefined.
func (d *DocumentController) Destroy() error {
	if !d.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	d.samples.Close()
	args := codec.NewEncoder()
	args.AppendSize(controllerRefKey, d.ref)
	return d.caller.CallVoid(DestroyDocumentControllerID, args)
}

func sampleRangeKey(sourceRef int, offset int64, count int) string {
	return fmt.Sprintf("%d:%d:%d", sourceRef, offset, count)
}
