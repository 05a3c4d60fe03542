package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

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
	Server conf.Config     `help:"Plug-in configuration" embed:"" prefix:""`
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

	if err := r.start(&cfg.Server); err != nil {
		logErrorAndExit(err.Error())
	}
	log.Infof("antiphon plug-in session %s connected to %s", r.sessionID, cfg.Server.ConnectAddress)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Warnf("signal: %s received. antiphon plug-in will be closed", sig.String())
	// hard stop if shutdown hangs
	tz := time.AfterFunc(5*time.Second, func() {
		log.Warn("shutdown did not complete in time. system will exit.")
		os.Exit(1)
	})
	r.stop()
	tz.Stop()
}

type runner struct {
	sessionID uuid.UUID
	queue     *taskqueue.SerialQueue
	conn      *remoting.Connection
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
	if cfg.Server.ConnectAddress == "" {
		return nil, common.NewInvalidConfigurationError("connect-address must be specified")
	}
	return &cfg, nil
}

func (r *runner) start(cfg *conf.Config) error {
	client, err := transport.NewSocketClient(&cfg.ClientTlsConf, cfg.SocketWriteTimeout)
	if err != nil {
		return err
	}
	r.sessionID = uuid.New()
	mainChannel, err := client.Connect(cfg.ConnectAddress, transport.MainChannel, r.sessionID)
	if err != nil {
		return err
	}
	otherChannel, err := client.Connect(cfg.ConnectAddress, transport.OtherChannel, r.sessionID)
	if err != nil {
		if err := mainChannel.Close(); err != nil {
			// Ignore
		}
		return err
	}

	r.queue = taskqueue.NewSerialQueue(cfg.TaskQueueMaxPending)
	r.queue.Start()

	service := proxy.NewService(r.queue)
	service.RegisterAudioSource("program", proxy.SampleReaderFunc(programMaterial))
	service.SetArchive(demoArchive())

	r.conn = remoting.NewConnection(r.sessionID, mainChannel, otherChannel, service, nil, cfg)
	return r.conn.Start()
}

func (r *runner) stop() {
	if err := r.conn.Stop(); err != nil {
		log.Warnf("failure in stopping connection: %v", err)
	}
	r.queue.Stop()
}

// programMaterial synthesises a deterministic sample stream so the host has
// something to read.
func programMaterial(offset int64, dest []byte) bool {
	if offset < 0 {
		return false
	}
	for i := range dest {
		dest[i] = byte((offset + int64(i)) * 31)
	}
	return true
}

func demoArchive() []byte {
	archive := make([]byte, 32*1024)
	for i := range archive {
		archive[i] = byte(i * 7)
	}
	return archive
}
