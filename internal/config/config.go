// Package config implements spec §6's CLI flags as a validated Config
// value, plus the logger construction `cmd/pepsal` hands down to every
// other package. Mirrors `pkg/config.Config`/`DefaultConfig`/`NewLogger`'s
// shape, extended with the proxy's own flag set.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection-count bounds spec §6 names as "implementation-defined
// MIN/MAX" for the `-c` flag.
const (
	MinConnections = 16
	MaxConnections = 65536

	// minMTU is spec §6's "-u <mtu> ... must exceed 80" requirement.
	minMTU = 80

	defaultPort            = 5000
	defaultMTU             = 1500
	defaultMaxConnections  = 2048
	defaultPendingLifetime = 60 * time.Second
	defaultGCInterval      = 60 * time.Second
	defaultWorkerCount     = 5
)

// Config holds the proxy's runtime configuration, the validated result of
// parsing spec §6's CLI flags.
type Config struct {
	Daemonize bool
	Verbose   bool
	FastOpen  bool

	Port uint16
	MTU  int

	EgressMark            uint32
	IngressMark           uint32
	EgressCongestionAlgo  string
	IngressCongestionAlgo string

	StatusDumpPath  string // path, "stdout", or "stderr"
	PendingLifetime time.Duration
	GCInterval      time.Duration
	MaxConnections  int

	WorkerCount int
}

// DefaultConfig returns spec §6's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            defaultPort,
		MTU:             defaultMTU,
		PendingLifetime: defaultPendingLifetime,
		GCInterval:      defaultGCInterval,
		MaxConnections:  defaultMaxConnections,
		WorkerCount:     defaultWorkerCount,
	}
}

var (
	// ErrInvalidMTU is returned by Validate when MTU doesn't exceed
	// minMTU, spec §6's "-u <mtu> ... must exceed 80".
	ErrInvalidMTU = errors.New("config: mtu must exceed 80")
	// ErrInvalidConnectionBound is returned by Validate when
	// MaxConnections falls outside [MinConnections, MaxConnections].
	ErrInvalidConnectionBound = errors.New("config: max connections out of bounds")
	// ErrInvalidWorkerCount is returned by Validate when WorkerCount is
	// non-positive.
	ErrInvalidWorkerCount = errors.New("config: worker count must be positive")
)

// Validate enforces spec §6's constraints on a fully-populated Config.
func (c *Config) Validate() error {
	if c.MTU <= minMTU {
		return ErrInvalidMTU
	}
	if c.MaxConnections < MinConnections || c.MaxConnections > MaxConnections {
		return fmt.Errorf("%w: got %d, want [%d, %d]", ErrInvalidConnectionBound, c.MaxConnections, MinConnections, MaxConnections)
	}
	if c.WorkerCount <= 0 {
		return ErrInvalidWorkerCount
	}
	if c.PendingLifetime <= 0 {
		return errors.New("config: pending lifetime must be positive")
	}
	if c.GCInterval <= 0 {
		return errors.New("config: gc interval must be positive")
	}
	return nil
}

// NewLogger builds the proxy's logger, mirroring
// `pkg/config.Config.NewLogger`: a `logrus.TextFormatter` with full
// timestamps, level selected by -v (spec §6).
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
