package proxy

import (
	"fmt"
	"sync"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/taskqueue"
	"github.com/chorus-labs/antiphon/transport"
)

// SampleReader supplies the sample bytes of one audio source.
type SampleReader interface {
	// ReadSamples fills dest with sample bytes starting at offset, reporting
	// false when the range cannot be read.
	ReadSamples(offset int64, dest []byte) bool
}

// SampleReaderFunc adapts a function to the SampleReader interface.
type SampleReaderFunc func(offset int64, dest []byte) bool

func (f SampleReaderFunc) ReadSamples(offset int64, dest []byte) bool {
	return f(offset, dest)
}

type controllerInfo struct {
	name    string
	version int32
	options int64
}

/*
Service is the plug-in side of the document controller vocabulary: a message
handler serving the method ids against in process state. Audio sources and the
document archive are registered by the embedder before the connection starts.
Failed bulk reads are answered with an empty reply rather than an error - the
calling side zero fills the range and carries on, per the partial failure
contract of BulkTransfer.
*/
type Service struct {
	lock        sync.Mutex
	mainQueue   taskqueue.Queue
	controllers map[int]*controllerInfo
	sources     map[string]int
	readers     map[int]SampleReader
	archive     []byte
	nextRef     int
}

// NewService creates a Service which handles new transactions on mainQueue. A nil
// queue handles them on the delivering goroutine, which is only safe when no
// handler calls back into the connection.
func NewService(mainQueue taskqueue.Queue) *Service {
	return &Service{
		mainQueue:   mainQueue,
		controllers: map[int]*controllerInfo{},
		sources:     map[string]int{},
		readers:     map[int]SampleReader{},
	}
}

// RegisterAudioSource registers a named audio source and returns its reference.
func (s *Service) RegisterAudioSource(name string, reader SampleReader) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextRef++
	ref := s.nextRef
	s.sources[name] = ref
	s.readers[ref] = reader
	return ref
}

// SetArchive sets the document archive served to archive readers.
func (s *Service) SetArchive(archive []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.archive = archive
}

// ControllerCount returns the number of live document controllers.
func (s *Service) ControllerCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.controllers)
}

func (s *Service) DispatchTargetFor(transport.MessageID) taskqueue.Queue {
	return s.mainQueue
}

func (s *Service) HandleMessage(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
	switch messageID {
	case CreateDocumentControllerID:
		return s.createDocumentController(message)
	case DestroyDocumentControllerID:
		return s.destroyDocumentController(message)
	case GetDocumentControllerNameID:
		return s.getDocumentControllerName(message)
	case ResolveAudioSourceID:
		return s.resolveAudioSource(message)
	case ReadAudioSourceSamplesID:
		return s.readAudioSourceSamples(message)
	case GetArchiveSizeID:
		return s.getArchiveSize(message)
	case ReadArchiveChunkID:
		return s.readArchiveChunk(message)
	default:
		panic(fmt.Sprintf("service received unknown message id %d", messageID))
	}
}

func (s *Service) createDocumentController(message *codec.Decoder) *codec.Encoder {
	name, ok := message.ReadString(nameKey)
	if !ok {
		panic("create document controller call carries no name")
	}
	version, _ := message.ReadInt32(versionKey)
	options, _ := message.ReadInt64(optionsKey)
	s.lock.Lock()
	s.nextRef++
	ref := s.nextRef
	s.controllers[ref] = &controllerInfo{name: name, version: version, options: options}
	s.lock.Unlock()
	reply := codec.NewEncoder()
	reply.AppendSize(controllerRefKey, ref)
	return reply
}

func (s *Service) destroyDocumentController(message *codec.Decoder) *codec.Encoder {
	ref, ok := message.ReadSize(controllerRefKey)
	if !ok {
		panic("destroy document controller call carries no reference")
	}
	s.lock.Lock()
	delete(s.controllers, ref)
	s.lock.Unlock()
	return nil
}

func (s *Service) getDocumentControllerName(message *codec.Decoder) *codec.Encoder {
	info := s.lookupController(message)
	reply := codec.NewEncoder()
	if info != nil {
		reply.AppendString(nameKey, info.name)
	}
	return reply
}

func (s *Service) resolveAudioSource(message *codec.Decoder) *codec.Encoder {
	if s.lookupController(message) == nil {
		return nil
	}
	name, ok := message.ReadString(nameKey)
	if !ok {
		panic("resolve audio source call carries no name")
	}
	s.lock.Lock()
	ref, known := s.sources[name]
	s.lock.Unlock()
	reply := codec.NewEncoder()
	// An unknown source answers with an absent key, not an error.
	if known {
		reply.AppendSize(sourceRefKey, ref)
	}
	return reply
}

func (s *Service) readAudioSourceSamples(message *codec.Decoder) *codec.Encoder {
	ref, offset, count := readBulkArgs(message)
	s.lock.Lock()
	reader := s.readers[ref]
	s.lock.Unlock()
	if reader == nil {
		return nil
	}
	dest := make([]byte, count)
	if !reader.ReadSamples(offset, dest) {
		return nil
	}
	reply := codec.NewEncoder()
	reply.AppendBytesNoCopy(bulkDataKey, dest)
	return reply
}

func (s *Service) getArchiveSize(message *codec.Decoder) *codec.Encoder {
	if s.lookupController(message) == nil {
		return nil
	}
	s.lock.Lock()
	size := len(s.archive)
	s.lock.Unlock()
	reply := codec.NewEncoder()
	reply.AppendSize(archiveSizeKey, size)
	return reply
}

func (s *Service) readArchiveChunk(message *codec.Decoder) *codec.Encoder {
	ref, offset, count := readBulkArgs(message)
	s.lock.Lock()
	archive := s.archive
	known := s.controllers[ref] != nil
	s.lock.Unlock()
	if !known || offset < 0 || offset+int64(count) > int64(len(archive)) {
		return nil
	}
	reply := codec.NewEncoder()
	reply.AppendBytes(bulkDataKey, archive[offset:offset+int64(count)])
	return reply
}

func (s *Service) lookupController(message *codec.Decoder) *controllerInfo {
	ref, ok := message.ReadSize(controllerRefKey)
	if !ok {
		panic("call carries no controller reference")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.controllers[ref]
}

func readBulkArgs(message *codec.Decoder) (ref int, offset int64, count int) {
	ref, okRef := message.ReadSize(bulkRefKey)
	offset, okOffset := message.ReadInt64(bulkOffsetKey)
	count, okCount := message.ReadSize(bulkCountKey)
	if !okRef || !okOffset || !okCount {
		panic("bulk read call is missing an argument")
	}
	return ref, offset, count
}
