package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/overlay"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

//NewRunCmd returns the command that starts an overlay node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runOverlay,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runOverlay(cmd *cobra.Command, args []string) error {
	engine := overlay.NewOverlay(&_config.Overlay)

	if err := engine.Init(); err != nil {
		_config.Overlay.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		_config.Overlay.Logger().Info("Received an interrupt, stopping services...")
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	c := &_config.Overlay

	cmd.Flags().String("datadir", c.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", c.LogFile, "Duplicate log output to this file")

	// Network
	cmd.Flags().StringP("listen", "l", c.BindAddr, "Listen IP:Port for the node")
	cmd.Flags().StringP("advertise", "a", c.AdvertiseAddr, "Advertised address, e.g. an onion address")
	cmd.Flags().String("socks-proxy", c.SocksProxy, "SOCKS5 proxy for outbound connections")
	cmd.Flags().StringSlice("seed-nodes", c.SeedNodes, "Comma-separated list of seed node addresses")
	cmd.Flags().DurationP("timeout", "t", c.TCPTimeout, "TCP Timeout")
	cmd.Flags().Duration("handshake-timeout", c.HandshakeTimeout, "Hello/HelloAck timeout")
	cmd.Flags().Int("max-connections", c.MaxConnections, "Maximum number of open connections")
	cmd.Flags().Int("outbound-target", c.OutboundTarget, "Number of outbound connections to maintain")
	cmd.Flags().Int("max-message-size", c.MaxMessageSize, "Largest accepted frame in bytes")
	cmd.Flags().Float64("message-rate", c.MessageRate, "Messages per second accepted from a peer")
	cmd.Flags().Int("message-burst", c.MessageBurst, "Burst of messages accepted from a peer")

	// Liveness
	cmd.Flags().Duration("keepalive", c.KeepAliveInterval, "Time between two pings")
	cmd.Flags().Duration("ping-timeout", c.PingTimeout, "Time before an unanswered ping counts as missed")
	cmd.Flags().Int("max-missed-pings", c.MaxMissedPings, "Missed pings tolerated before disconnecting")

	// Peers
	cmd.Flags().Duration("peer-exchange", c.PeerExchangeInterval, "Time between two peer exchange rounds")
	cmd.Flags().Int("max-known-peers", c.MaxKnownPeers, "Size of the known-peer set")
	cmd.Flags().Int("max-reported-peers", c.MaxReportedPeers, "Peers sent in one exchange")
	cmd.Flags().Int("max-persisted-peers", c.MaxPersistedPeers, "Peers saved to peers.json")
	cmd.Flags().Duration("max-peer-age", c.MaxPeerAge, "Age after which unseen peers are forgotten")
	cmd.Flags().Duration("bootstrap-backoff-min", c.BootstrapBackoffMin, "Initial retry delay when no seed is reachable")
	cmd.Flags().Duration("bootstrap-backoff-max", c.BootstrapBackoffMax, "Maximum retry delay when no seed is reachable")

	// Store
	cmd.Flags().Bool("store", c.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", c.DatabaseDir, "Database directory")
	cmd.Flags().Duration("expiry-sweep", c.ExpirySweepInterval, "Time between two expiry sweeps")
	cmd.Flags().Duration("mailbox-ttl", c.MailboxTTL, "Time-to-live of sent mailbox messages")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Overlay.SetDataDir(_config.Overlay.DataDir)

	_config.Overlay.SetLogger(newLogger(&_config.Overlay))

	logFields := logrus.Fields{
		"DataDir":              _config.Overlay.DataDir,
		"BindAddr":             _config.Overlay.BindAddr,
		"AdvertiseAddr":        _config.Overlay.AdvertiseAddr,
		"SocksProxy":           _config.Overlay.SocksProxy,
		"SeedNodes":            _config.Overlay.SeedNodes,
		"LogLevel":             _config.Overlay.LogLevel,
		"TCPTimeout":           _config.Overlay.TCPTimeout,
		"MaxConnections":       _config.Overlay.MaxConnections,
		"OutboundTarget":       _config.Overlay.OutboundTarget,
		"KeepAliveInterval":    _config.Overlay.KeepAliveInterval,
		"PeerExchangeInterval": _config.Overlay.PeerExchangeInterval,
		"Store":                _config.Overlay.Store,
	}

	if _config.Overlay.Store {
		logFields["DatabaseDir"] = _config.Overlay.DatabaseDir
	}

	_config.Overlay.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/overlay.toml (.json, .yaml also work)
	viper.SetConfigName("overlay")               // name of config file (without extension)
	viper.AddConfigPath(_config.Overlay.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Overlay.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Overlay.Logger().Debugf("No config file found in: %s", _config.Overlay.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// newLogger builds the node's logger. When a log file is configured, every
// entry is also written there.
func newLogger(c *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(c.LogLevel)
	logger.Formatter = new(prefixed.TextFormatter)

	if c.LogFile != "" {
		pathMap := lfshook.PathMap{}
		for _, level := range logrus.AllLevels {
			pathMap[level] = c.LogFile
		}
		logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.TextFormatter{}))
	}

	return logger
}
