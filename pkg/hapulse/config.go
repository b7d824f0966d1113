// Package hapulse runs the hapulse heartbeat daemon.
package hapulse

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for hapulse. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=).
type Config struct {
	// The UDP port heartbeats are sent to and received on. Source and
	// destination ports are symmetric.
	Port int `env:"HAPULSE_PORT=59901"`

	// The heartbeat fan-out interval. A peer silent for longer than this
	// counts as not received.
	HeartbeatInterval time.Duration `env:"HAPULSE_HEARTBEAT_INTERVAL=500ms"`

	// The role to boot into: slave or replica.
	State string `env:"HAPULSE_STATE=slave"`

	// The node assumed to be master at startup, for operator tooling.
	MasterHost string `env:"HAPULSE_MASTER_HOST"`

	// Cluster membership as "group@host1,host2,…". The literal "localhost"
	// is replaced with the local hostname.
	NodeList string `env:"HAPULSE_NODE_LIST"`

	// Replica membership in the same format; the group must match NodeList's.
	ReplicaList string `env:"HAPULSE_REPLICA_LIST"`

	// ":" or ","-separated reachability witnesses used to detect local
	// isolation. If provided, at least one must answer at startup.
	PingHosts string `env:"HAPULSE_PING_HOSTS"`

	// The address the status/metrics HTTP API listens on. Empty disables it.
	StatusAddr string `env:"HAPULSE_STATUS_ADDR?=:7711"`

	// The sqlite3 path for the node-event journal. Empty disables it.
	EventDB string `env:"HAPULSE_EVENTDB"`

	// How long journal events are kept before the daily prune.
	EventDBKeep time.Duration `env:"HAPULSE_EVENTDB_KEEP=168h"`

	// The NATS server to publish node events to. Empty disables it.
	NATSURL string `env:"HAPULSE_NATS_URL"`

	// The subject prefix for published node events.
	NATSSubject string `env:"HAPULSE_NATS_SUBJECT=hapulse.events"`

	// How often stale unidentified-node entries are swept.
	UICleanupInterval time.Duration `env:"HAPULSE_UI_CLEANUP_INTERVAL=1m"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"HAPULSE_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"HAPULSE_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"HAPULSE_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"HAPULSE_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"HAPULSE_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"HAPULSE_LOG_FILE_LEVEL=info"`
}

// UnmarshalEnv applies the HAPULSE_* variables in es to c. A field whose
// variable is absent takes the default recorded in its env tag; tags written
// "NAME?=" additionally let an explicitly empty variable override a non-empty
// default. With incremental set (the SIGHUP path), absent variables leave the
// current field value alone instead of resetting it. Non-empty HAPULSE_*
// variables that match no field are an error, so typos don't vanish silently.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	vars := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok && strings.HasPrefix(k, "HAPULSE_") {
			vars[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, sf := range reflect.VisibleFields(cv.Type()) {
		tag, ok := sf.Tag.Lookup("env")
		if !ok {
			continue
		}

		name, val, _ := strings.Cut(tag, "=")
		allowEmpty := strings.HasSuffix(name, "?")
		name = strings.TrimSuffix(name, "?")

		if v, set := vars[name]; set {
			if v != "" || allowEmpty {
				val = v
			}
			delete(vars, name)
		} else if incremental {
			continue
		}

		field := cv.FieldByIndex(sf.Index)
		if err := setConfigField(field, val); err != nil {
			return fmt.Errorf("env %s (%T): %w", name, field.Interface(), err)
		}
	}

	for name, v := range vars {
		if v != "" {
			return fmt.Errorf("unknown environment variable %q", name)
		}
	}
	return nil
}

func setConfigField(field reflect.Value, val string) error {
	switch field.Interface().(type) {
	case string:
		field.SetString(val)
	case int:
		if val == "" {
			field.SetInt(0)
			return nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		field.SetInt(n)
	case bool:
		if val == "" {
			field.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		field.SetBool(b)
	case time.Duration:
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		field.Set(reflect.ValueOf(d))
	case zerolog.Level:
		l, err := zerolog.ParseLevel(val)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		field.Set(reflect.ValueOf(l))
	default:
		return fmt.Errorf("unhandled field type")
	}
	return nil
}
