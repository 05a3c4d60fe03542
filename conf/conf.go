package conf

import (
	"time"

	"github.com/chorus-labs/antiphon/common"
)

const (
	DefaultBulkSplitThreshold       = 128 * 1024
	DefaultMaxInFlightPerDispatcher = 64
	DefaultSampleCacheMaxBytes      = 16 * 1024 * 1024
	DefaultRefCacheEntries          = 256
	DefaultTaskQueueMaxPending      = 1000
	DefaultSocketWriteTimeout       = 5 * time.Second
)

type Config struct {
	// ListenAddress is the address a host process listens on for plug-in connections.
	// ConnectAddress is the address a plug-in process dials. Each side sets only the one
	// it uses.
	ListenAddress  string
	ConnectAddress string

	ListenerTlsConf TlsConf       `embed:"" prefix:"listener-tls-"`
	ClientTlsConf   ClientTlsConf `embed:"" prefix:"client-tls-"`

	BulkSplitThreshold       int
	MaxInFlightPerDispatcher int
	SampleCacheMaxBytes      int64
	RefCacheEntries          int
	TaskQueueMaxPending      int
	SocketWriteTimeout       time.Duration

	DDProfilerTypes           string
	DDProfilerHostEnvVarName  string
	DDProfilerPort            int
	DDProfilerServiceName     string
	DDProfilerEnvironmentName string
	DDProfilerVersionName     string
}

func (c *Config) ApplyDefaults() {
	if c.BulkSplitThreshold == 0 {
		c.BulkSplitThreshold = DefaultBulkSplitThreshold
	}
	if c.MaxInFlightPerDispatcher == 0 {
		c.MaxInFlightPerDispatcher = DefaultMaxInFlightPerDispatcher
	}
	if c.SampleCacheMaxBytes == 0 {
		c.SampleCacheMaxBytes = DefaultSampleCacheMaxBytes
	}
	if c.RefCacheEntries == 0 {
		c.RefCacheEntries = DefaultRefCacheEntries
	}
	if c.TaskQueueMaxPending == 0 {
		c.TaskQueueMaxPending = DefaultTaskQueueMaxPending
	}
	if c.SocketWriteTimeout == 0 {
		c.SocketWriteTimeout = DefaultSocketWriteTimeout
	}
}

func (c *Config) Validate() error { //nolint:gocyclo
	if c.BulkSplitThreshold < 1 {
		return common.NewInvalidConfigurationError("bulk-split-threshold must be > 0")
	}
	if c.MaxInFlightPerDispatcher < 1 {
		return common.NewInvalidConfigurationError("max-in-flight-per-dispatcher must be > 0")
	}
	if c.SampleCacheMaxBytes < 1 {
		return common.NewInvalidConfigurationError("sample-cache-max-bytes must be > 0")
	}
	if c.RefCacheEntries < 1 {
		return common.NewInvalidConfigurationError("ref-cache-entries must be > 0")
	}
	if c.TaskQueueMaxPending < 1 {
		return common.NewInvalidConfigurationError("task-queue-max-pending must be > 0")
	}
	if c.SocketWriteTimeout < 1*time.Millisecond {
		return common.NewInvalidConfigurationError("socket-write-timeout must be >= 1ms")
	}
	if c.ListenerTlsConf.Enabled {
		if c.ListenerTlsConf.ServerCertFile == "" {
			return common.NewInvalidConfigurationError("listener-tls-server-cert-file must be specified if listener-tls-enabled is true")
		}
		if c.ListenerTlsConf.ServerPrivateKeyFile == "" {
			return common.NewInvalidConfigurationError("listener-tls-server-private-key-file must be specified if listener-tls-enabled is true")
		}
		if c.ListenerTlsConf.ClientAuthType != "" {
			if _, ok := clientAuthMapping[c.ListenerTlsConf.ClientAuthType]; !ok {
				return common.NewInvalidConfigurationError("listener-tls-client-auth-type is invalid")
			}
			if c.ListenerTlsConf.ClientCertFile == "" {
				return common.NewInvalidConfigurationError("listener-tls-client-cert-file must be provided if client auth is enabled")
			}
		}
	}
	return nil
}
