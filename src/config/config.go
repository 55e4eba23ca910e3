package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultPeersFile is the default name of the file where known peers are
	// persisted between runs.
	DefaultPeersFile = "peers.json"
)

// Default configuration values.
const (
	DefaultLogLevel             = "debug"
	DefaultBindAddr             = "127.0.0.1:9999"
	DefaultSocksProxy           = ""
	DefaultTCPTimeout           = 120 * time.Second
	DefaultHandshakeTimeout     = 30 * time.Second
	DefaultMaxConnections       = 12
	DefaultOutboundTarget       = 8
	DefaultMaxMessageSize       = 10 * 1024 * 1024
	DefaultSendQueueSize        = 64
	DefaultInboundQueueSize     = 256
	DefaultMessageRate          = 50
	DefaultMessageBurst         = 100
	DefaultKeepAliveInterval    = 30 * time.Second
	DefaultPingTimeout          = 20 * time.Second
	DefaultMaxMissedPings       = 3
	DefaultPeerExchangeInterval = 10 * time.Minute
	DefaultMaxKnownPeers        = 1000
	DefaultMaxReportedPeers     = 100
	DefaultMaxPersistedPeers    = 500
	DefaultMaxPeerAge           = 14 * 24 * time.Hour
	DefaultBootstrapBackoffMin  = 10 * time.Second
	DefaultBootstrapBackoffMax  = 10 * time.Minute
	DefaultExpirySweepInterval  = 60 * time.Second
	DefaultSequencePurgeAge     = 30 * 24 * time.Hour
	DefaultMaxSequenceRecords   = 100000
	DefaultMailboxTTL           = 15 * 24 * time.Hour
	DefaultStore                = false
)

// Config contains all the configuration properties of an overlay node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to this file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node accepts connections.
	// With an anonymity network this is the local port the hidden service
	// forwards to.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the rendezvous address other nodes use to reach us, for
	// example an onion address. Defaults to BindAddr.
	AdvertiseAddr string `mapstructure:"advertise"`

	// SocksProxy is the host:port of a SOCKS5 proxy through which outbound
	// connections are dialed. Empty means plain TCP.
	SocksProxy string `mapstructure:"socks-proxy"`

	// SeedNodes is the list of host:port bootstrap addresses.
	SeedNodes []string `mapstructure:"seed-nodes"`

	// TCPTimeout bounds every read and write on a connection.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// HandshakeTimeout bounds the Hello/HelloAck exchange.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// MaxConnections caps the number of simultaneously open connections.
	MaxConnections int `mapstructure:"max-connections"`

	// OutboundTarget is the number of connections the node tries to maintain
	// by dialing known peers.
	OutboundTarget int `mapstructure:"outbound-target"`

	// MaxMessageSize is the largest frame accepted from a peer.
	MaxMessageSize int `mapstructure:"max-message-size"`

	// SendQueueSize is the number of outgoing messages buffered per
	// connection before sends are dropped.
	SendQueueSize int `mapstructure:"send-queue"`

	// InboundQueueSize is the size of the queue draining peer messages into
	// the store.
	InboundQueueSize int `mapstructure:"inbound-queue"`

	// MessageRate and MessageBurst configure the per-connection throttle, in
	// messages per second.
	MessageRate  float64 `mapstructure:"message-rate"`
	MessageBurst int     `mapstructure:"message-burst"`

	// KeepAliveInterval is the time between two Pings on a connection.
	KeepAliveInterval time.Duration `mapstructure:"keepalive"`

	// PingTimeout is how long a Ping may stay unanswered before it counts as
	// missed.
	PingTimeout time.Duration `mapstructure:"ping-timeout"`

	// MaxMissedPings is the number of missed Pings tolerated before the
	// connection is closed.
	MaxMissedPings int `mapstructure:"max-missed-pings"`

	// PeerExchangeInterval is the time between two rounds of peer exchange.
	PeerExchangeInterval time.Duration `mapstructure:"peer-exchange"`

	// MaxKnownPeers caps the known-peer set.
	MaxKnownPeers int `mapstructure:"max-known-peers"`

	// MaxReportedPeers caps the number of peers sent in one exchange.
	MaxReportedPeers int `mapstructure:"max-reported-peers"`

	// MaxPersistedPeers caps the number of peers written to peers.json.
	MaxPersistedPeers int `mapstructure:"max-persisted-peers"`

	// MaxPeerAge is the age after which a reported peer that was never seen
	// again is forgotten.
	MaxPeerAge time.Duration `mapstructure:"max-peer-age"`

	// BootstrapBackoffMin and BootstrapBackoffMax bound the retry delay when no
	// seed node is reachable.
	BootstrapBackoffMin time.Duration `mapstructure:"bootstrap-backoff-min"`
	BootstrapBackoffMax time.Duration `mapstructure:"bootstrap-backoff-max"`

	// ExpirySweepInterval is the time between two expiry sweeps of the store.
	ExpirySweepInterval time.Duration `mapstructure:"expiry-sweep"`

	// SequencePurgeAge is the age after which sequence-number records of
	// removed entries are forgotten.
	SequencePurgeAge time.Duration `mapstructure:"sequence-purge-age"`

	// MaxSequenceRecords is the size above which old sequence-number records
	// are purged.
	MaxSequenceRecords int `mapstructure:"max-sequence-records"`

	// MailboxTTL is the time-to-live of mailbox messages sent by this node.
	MailboxTTL time.Duration `mapstructure:"mailbox-ttl"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:              DefaultDataDir(),
		LogLevel:             DefaultLogLevel,
		BindAddr:             DefaultBindAddr,
		SocksProxy:           DefaultSocksProxy,
		TCPTimeout:           DefaultTCPTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		MaxConnections:       DefaultMaxConnections,
		OutboundTarget:       DefaultOutboundTarget,
		MaxMessageSize:       DefaultMaxMessageSize,
		SendQueueSize:        DefaultSendQueueSize,
		InboundQueueSize:     DefaultInboundQueueSize,
		MessageRate:          DefaultMessageRate,
		MessageBurst:         DefaultMessageBurst,
		KeepAliveInterval:    DefaultKeepAliveInterval,
		PingTimeout:          DefaultPingTimeout,
		MaxMissedPings:       DefaultMaxMissedPings,
		PeerExchangeInterval: DefaultPeerExchangeInterval,
		MaxKnownPeers:        DefaultMaxKnownPeers,
		MaxReportedPeers:     DefaultMaxReportedPeers,
		MaxPersistedPeers:    DefaultMaxPersistedPeers,
		MaxPeerAge:           DefaultMaxPeerAge,
		BootstrapBackoffMin:  DefaultBootstrapBackoffMin,
		BootstrapBackoffMax:  DefaultBootstrapBackoffMax,
		ExpirySweepInterval:  DefaultExpirySweepInterval,
		SequencePurgeAge:     DefaultSequencePurgeAge,
		MaxSequenceRecords:   DefaultMaxSequenceRecords,
		MailboxTTL:           DefaultMailboxTTL,
		Store:                DefaultStore,
		DatabaseDir:          DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values, short timers, and
// a special logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.BindAddr = "127.0.0.1:0"
	config.TCPTimeout = 2 * time.Second
	config.HandshakeTimeout = time.Second
	config.KeepAliveInterval = 50 * time.Millisecond
	config.PingTimeout = 50 * time.Millisecond
	config.PeerExchangeInterval = 200 * time.Millisecond
	config.BootstrapBackoffMin = 20 * time.Millisecond
	config.BootstrapBackoffMax = 200 * time.Millisecond
	config.ExpirySweepInterval = 100 * time.Millisecond
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database directory
// if it is currently set to the default value. If the database directory is
// not currently the default, it means the user has explicitely set it to
// something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// PeersFile returns the full path of the file containing the known peers.
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, DefaultPeersFile)
}

// SetLogger overrides the logger built from LogLevel.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "overlay".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "overlay")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level config based
// on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Overlay")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Overlay")
		} else {
			return filepath.Join(home, ".overlay")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
