/*
Package log provides the structured logger shared by every subsystem.

Each subsystem (scheduler, cluster, servicemgr, loadbalancer, dfs,
transport, agent) requests its own sub-logger via WithComponent, so every
emitted line carries a "component" field without each call site having to
attach it manually:

	┌──────────┐  ┌─────────┐  ┌────────────┐  ┌──────────────┐
	│scheduler │  │cluster  │  │ servicemgr │  │ loadbalancer │
	└────┬─────┘  └────┬────┘  └─────┬──────┘  └──────┬───────┘
	     │             │             │                │
	     └─────────────┴──────┬──────┴────────────────┘
	                          ▼
	                   zerolog.Logger
	                 (console or JSON)
*/
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance, configured once by Init.
var Logger zerolog.Logger

// Level is a configured log verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration loaded from the process config file.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global logger. Call once at process start.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagging every line with a subsystem
// name ("scheduler", "cluster", "servicemgr", "loadbalancer", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger tagged with node_id.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithClusterID creates a child logger tagged with cluster_id.
func WithClusterID(clusterID string) zerolog.Logger {
	return Logger.With().Str("cluster_id", clusterID).Logger()
}

// WithServiceID creates a child logger tagged with service_id.
func WithServiceID(serviceID string) zerolog.Logger {
	return Logger.With().Str("service_id", serviceID).Logger()
}

// WithReplicaID creates a child logger tagged with replica_id.
func WithReplicaID(replicaID string) zerolog.Logger {
	return Logger.With().Str("replica_id", replicaID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }

func init() {
	// Sensible default so packages that log before Init (e.g. in tests)
	// still produce readable output instead of the zerolog zero-value
	// (which discards everything).
	Init(Config{Level: InfoLevel})
}
