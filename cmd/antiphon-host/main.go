package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/conf"
	log "github.com/chorus-labs/antiphon/logger"
	"github.com/chorus-labs/antiphon/proxy"
	"github.com/chorus-labs/antiphon/remoting"
	"github.com/chorus-labs/antiphon/taskqueue"
	"github.com/chorus-labs/antiphon/transport"
)

type arguments struct {
	Config kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Server conf.Config     `help:"Host configuration" embed:"" prefix:""`
	Log    log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()

	r := &runner{}

	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}

	ddStarted, err := maybeStartDatadogProfiler(&cfg.Server)
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if ddStarted {
		defer profiler.Stop()
	}

	if err := r.start(&cfg.Server); err != nil {
		logErrorAndExit(err.Error())
	}
	log.Infof("antiphon host listening on %s", r.listener.Address())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Warnf("signal: %s received. antiphon host will be closed", sig.String())
	// hard stop if shutdown hangs
	tz := time.AfterFunc(5*time.Second, func() {
		log.Warn("shutdown did not complete in time. system will exit.")
		os.Exit(1)
	})
	r.stop()
	tz.Stop()
}

type runner struct {
	cfg         *conf.Config
	listener    *transport.SocketListener
	connections sync.Map
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	_, err = parser.Parse(args)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Server.ApplyDefaults()
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.ListenAddress == "" {
		return nil, common.NewInvalidConfigurationError("listen-address must be specified")
	}
	return &cfg, nil
}

func (r *runner) start(cfg *conf.Config) error {
	r.cfg = cfg
	r.listener = transport.NewSocketListener(cfg.ListenAddress, cfg.ListenerTlsConf,
		cfg.SocketWriteTimeout, r.onChannelPair)
	return r.listener.Start()
}

func (r *runner) stop() {
	if err := r.listener.Stop(); err != nil {
		log.Warnf("failure in stopping listener: %v", err)
	}
	r.connections.Range(func(_, v interface{}) bool {
		conn := v.(*remoting.Connection)
		if err := conn.Stop(); err != nil {
			log.Warnf("failure in stopping connection %s: %v", conn.ID(), err)
		}
		return true
	})
}

// onChannelPair is called by the listener once both channels of a plug-in session
// have said hello.
func (r *runner) onChannelPair(sessionID uuid.UUID, mainChannel, otherChannel *transport.SocketChannel) {
	conn := remoting.NewConnection(sessionID, mainChannel, otherChannel, &hostService{},
		nil, r.cfg)
	if err := conn.Start(); err != nil {
		log.Errorf("failed to start connection for session %s: %v", sessionID, err)
		return
	}
	r.connections.Store(sessionID, conn)
	log.Infof("plug-in session %s connected", sessionID)
	common.Go(func() {
		r.exerciseSession(sessionID, conn)
	})
}

// exerciseSession drives the document controller vocabulary against a freshly
// connected plug-in and logs what came back.
func (r *runner) exerciseSession(sessionID uuid.UUID, conn *remoting.Connection) {
	controller, err := proxy.CreateDocumentController(conn, r.cfg, "antiphon-demo", 1, 0)
	if err != nil {
		log.Errorf("session %s: create document controller failed: %v", sessionID, err)
		return
	}
	name, err := controller.Name()
	if err != nil {
		log.Errorf("session %s: get name failed: %v", sessionID, err)
		return
	}
	log.Infof("session %s: created document controller %q (ref %d)", sessionID, name, controller.Ref())

	sourceRef, found, err := controller.ResolveAudioSource("program")
	if err != nil {
		log.Errorf("session %s: resolve audio source failed: %v", sessionID, err)
		return
	}
	if !found {
		log.Warnf("session %s: plug-in offers no program material", sessionID)
		return
	}
	samples := make([]byte, 256*1024)
	ok, err := controller.ReadAudioSourceSamples(sourceRef, 0, samples)
	if err != nil {
		log.Errorf("session %s: sample read failed: %v", sessionID, err)
		return
	}
	log.Infof("session %s: read %d sample bytes, complete %v, checksum %08x", sessionID,
		len(samples), ok, checksum(samples))

	archiveSize, err := controller.GetArchiveSize()
	if err != nil {
		log.Errorf("session %s: get archive size failed: %v", sessionID, err)
		return
	}
	archive := make([]byte, archiveSize)
	ok, err = controller.ReadArchiveBytes(0, archive)
	if err != nil {
		log.Errorf("session %s: archive read failed: %v", sessionID, err)
		return
	}
	log.Infof("session %s: read %d archive bytes, complete %v", sessionID, archiveSize, ok)

	if err := controller.Destroy(); err != nil {
		log.Errorf("session %s: destroy failed: %v", sessionID, err)
	}
}

func checksum(buff []byte) uint32 {
	var sum uint32
	for _, b := range buff {
		sum += uint32(b)
	}
	return sum
}

// hostService handles calls initiated by the plug-in. The demo host offers no
// callable surface, so anything arriving is a protocol violation.
type hostService struct {
}

func (h *hostService) DispatchTargetFor(transport.MessageID) taskqueue.Queue {
	return nil
}

func (h *hostService) HandleMessage(messageID transport.MessageID, _ *codec.Decoder) *codec.Encoder {
	panic(fmt.Sprintf("host received unexpected message id %d", messageID))
}

func maybeStartDatadogProfiler(cfg *conf.Config) (bool, error) {
	ddProfileTypes := cfg.DDProfilerTypes
	if ddProfileTypes == "" {
		return false, nil
	}

	ddHost := os.Getenv(cfg.DDProfilerHostEnvVarName)
	if ddHost == "" {
		return false, common.NewInvalidConfigurationError(
			fmt.Sprintf("env var %s for DD profiler host is not set", cfg.DDProfilerHostEnvVarName))
	}

	var profileTypes []profiler.ProfileType
	for _, sProfType := range strings.Split(ddProfileTypes, ",") {
		switch sProfType {
		case "CPU":
			profileTypes = append(profileTypes, profiler.CPUProfile)
		case "HEAP":
			profileTypes = append(profileTypes, profiler.HeapProfile)
		case "BLOCK":
			profileTypes = append(profileTypes, profiler.BlockProfile)
		case "MUTEX":
			profileTypes = append(profileTypes, profiler.MutexProfile)
		case "GOROUTINE":
			profileTypes = append(profileTypes, profiler.GoroutineProfile)
		default:
			return false, common.NewInvalidConfigurationError(
				fmt.Sprintf("unknown Datadog profile type: %s", sProfType))
		}
	}

	agentAddress := fmt.Sprintf("%s:%d", ddHost, cfg.DDProfilerPort)

	log.Debugf("starting Datadog continuous profiler with service name: %s environment %s version %s agent address %s profile types %s",
		cfg.DDProfilerServiceName, cfg.DDProfilerEnvironmentName, cfg.DDProfilerVersionName,
		agentAddress, ddProfileTypes)

	return true, profiler.Start(
		profiler.WithService(cfg.DDProfilerServiceName),
		profiler.WithEnv(cfg.DDProfilerEnvironmentName),
		profiler.WithVersion(cfg.DDProfilerVersionName),
		profiler.WithAgentAddr(agentAddress),
		profiler.WithProfileTypes(profileTypes...),
	)
}
