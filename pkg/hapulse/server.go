package hapulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hapulse/hapulse/db/eventdb"
	"github.com/hapulse/hapulse/pkg/cluster"
	"github.com/hapulse/hapulse/pkg/hbnet"
	"github.com/hapulse/hapulse/pkg/hostname"
)

// Server wires the heartbeat cluster, its UDP transport, the periodic jobs
// that drive it, and the operator surfaces (status API, event journal, NATS
// publisher) together.
type Server struct {
	Logger  zerolog.Logger
	Cluster *cluster.Cluster
	Service *cluster.Service
	UDP     *hbnet.Server

	params *liveParams
	events *eventdb.DB
	nc     *nats.Conn
	subj   string
	hs     *http.Server
	sched  gocron.Scheduler

	reload []func()
	closed bool
}

// liveParams adapts Config to cluster.Params; HandleSIGHUP swaps the config
// in so a reload picks up current values.
type liveParams struct {
	mu sync.RWMutex
	c  Config
}

func (p *liveParams) get() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.c
}

func (p *liveParams) set(c Config) {
	p.mu.Lock()
	p.c = c
	p.mu.Unlock()
}

func (p *liveParams) Port() uint16 { return uint16(p.get().Port) }

func (p *liveParams) HeartbeatInterval() time.Duration { return p.get().HeartbeatInterval }

func (p *liveParams) StartupState() cluster.NodeState { return cluster.ParseNodeState(p.get().State) }

func (p *liveParams) MasterHost() string { return p.get().MasterHost }

func (p *liveParams) NodeList() string { return p.get().NodeList }

func (p *liveParams) ReplicaList() string { return p.get().ReplicaList }

func (p *liveParams) PingHosts() string { return p.get().PingHosts }

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). It
// performs any additional config checks as required.
func NewServer(c *Config) (*Server, error) {
	if c.Port <= 0 || c.Port > 0xFFFF {
		return nil, fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("invalid heartbeat interval %v", c.HeartbeatInterval)
	}
	switch c.State {
	case "", cluster.StateSlave.String(), cluster.StateReplica.String():
	default:
		return nil, fmt.Errorf("invalid startup state %q", c.State)
	}

	var s Server
	var success bool

	s.params = &liveParams{c: *c}

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	defer func() {
		if !success {
			if s.events != nil {
				s.events.Close()
			}
			if s.nc != nil {
				s.nc.Close()
			}
		}
	}()

	if c.EventDB != "" {
		db, err := eventdb.Open(c.EventDB)
		if err != nil {
			return nil, fmt.Errorf("initialize event journal: %w", err)
		}
		cur, req, err := db.Version()
		if err != nil {
			return nil, fmt.Errorf("initialize event journal: %w", err)
		}
		if cur != req {
			if err := db.MigrateUp(context.Background(), req); err != nil {
				return nil, fmt.Errorf("initialize event journal: migrate %d to %d: %w", cur, req, err)
			}
		}
		s.events = db
	}

	if c.NATSURL != "" {
		nc, err := nats.Connect(c.NATSURL, nats.Name("hapulse"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("initialize nats: %w", err)
		}
		s.nc = nc
		s.subj = c.NATSSubject
	}

	registry := hbnet.NewRegistry()
	s.UDP = hbnet.NewServer(uint16(c.Port), registry, s.Logger.With().Str("component", "udp").Logger())

	s.Cluster = cluster.New(cluster.Options{
		Params:        s.params,
		Transport:     s.UDP,
		Logger:        s.Logger.With().Str("component", "cluster").Logger(),
		Events:        &s,
		OnStateChange: s.signalRecomputeScores,
	})
	s.Service = cluster.NewService(s.Cluster, s.Logger.With().Str("component", "heartbeat").Logger())
	s.Service.Register(registry)

	if c.StatusAddr != "" {
		s.hs = &http.Server{
			Addr:    c.StatusAddr,
			Handler: s.statusRouter(),
		}
	}

	success = true
	return &s, nil
}

// NodeStateChanged implements cluster.EventSink.
func (s *Server) NodeStateChanged(host hostname.Name, from, to cluster.NodeState) {
	s.Logger.Info().
		Stringer("host", host).
		Stringer("from", from).
		Stringer("to", to).
		Msg("peer node state has been changed")

	s.journal(eventdb.Event{
		Kind:     eventdb.KindStateChange,
		Hostname: host.String(),
		Detail:   from.String() + " -> " + to.String(),
	})
	s.publish("state", map[string]any{
		"host": host.String(),
		"from": from.String(),
		"to":   to.String(),
	})
}

// UnidentifiedSender implements cluster.EventSink.
func (s *Server) UnidentifiedSender(n cluster.UINode) {
	s.journal(eventdb.Event{
		Kind:     eventdb.KindUnidentified,
		Hostname: n.Hostname.String(),
		GroupID:  n.GroupID,
		Addr:     n.Addr.String(),
		Detail:   n.Result.String(),
	})
	s.publish("unidentified", map[string]any{
		"host":   n.Hostname.String(),
		"group":  n.GroupID,
		"addr":   n.Addr.String(),
		"result": n.Result.String(),
	})
}

// signalRecomputeScores is the fire-and-forget signal consumed by election
// logic when a peer last reported as master reports a different role.
func (s *Server) signalRecomputeScores() {
	s.publish("recompute", map[string]any{
		"host": s.Cluster.Hostname().String(),
	})
}

func (s *Server) journal(ev eventdb.Event) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Record(ctx, ev); err != nil {
		s.Logger.Warn().Err(err).Str("kind", ev.Kind).Msg("journal node event")
	}
}

func (s *Server) publish(kind string, v any) {
	if s.nc == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.nc.Publish(s.subj+"."+kind, b); err != nil {
		s.Logger.Warn().Err(err).Str("kind", kind).Msg("publish node event")
	}
}

// Run runs the server, shutting it down gracefully when ctx is canceled. It
// must only ever be called once, and the server is useless afterwards.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return errors.New("server already closed")
	}

	if err := s.Cluster.Init(); err != nil {
		s.Logger.Err(err).Msg("initialize cluster")
		return err
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		s.Cluster.Stop()
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	s.sched = sched

	c := s.params.get()
	if _, err := sched.NewJob(
		gocron.DurationJob(c.HeartbeatInterval),
		gocron.NewTask(s.Cluster.SendHeartbeatToAll),
	); err != nil {
		s.Cluster.Stop()
		return fmt.Errorf("schedule heartbeat job: %w", err)
	}
	cleanup := c.UICleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(cleanup),
		gocron.NewTask(s.Cluster.CleanupUINodes),
	); err != nil {
		s.Cluster.Stop()
		return fmt.Errorf("schedule cleanup job: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(4*c.HeartbeatInterval),
		gocron.NewTask(func() { s.Cluster.CheckIsolation() }),
	); err != nil {
		s.Cluster.Stop()
		return fmt.Errorf("schedule isolation job: %w", err)
	}
	if s.events != nil {
		if _, err := sched.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if n, err := s.events.Prune(ctx, c.EventDBKeep); err != nil {
					s.Logger.Warn().Err(err).Msg("prune event journal")
				} else if n > 0 {
					s.Logger.Debug().Int64("events", n).Msg("pruned event journal")
				}
			}),
		); err != nil {
			s.Cluster.Stop()
			return fmt.Errorf("schedule prune job: %w", err)
		}
	}
	sched.Start()

	errch := make(chan error, 1)
	if s.hs != nil {
		go func() {
			if err := s.hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errch <- err
			}
		}()
	}

	s.Logger.Log().
		Str("group", s.Cluster.GroupID()).
		Stringer("hostname", s.Cluster.Hostname()).
		Stringer("state", s.Cluster.State()).
		Msgf("starting heartbeat on udp port %d", c.Port)

	select {
	case <-ctx.Done():
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start status server")
		s.shutdown()
		return err
	}

	s.Logger.Log().Msg("shutting down")
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.closed = true

	if s.sched != nil {
		s.sched.Shutdown()
	}
	if s.hs != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.hs.Shutdown(sctx)
		cancel()
	}
	s.Cluster.Stop()
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.events != nil {
		s.events.Close()
	}
}

// HandleSIGHUP re-reads the environment, swaps the config in, reopens log
// files and reloads the cluster membership. A failed reload leaves the
// cluster untouched.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}

	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}

	c := s.params.get()
	if err := c.UnmarshalEnv(os.Environ(), true); err != nil {
		s.Logger.Err(err).Msg("reload: parse config")
		return
	}
	s.params.set(c)

	if err := s.Cluster.Reload(); err != nil {
		s.Logger.Err(err).Msg("reload cluster")
		return
	}
	s.Logger.Info().Msg("reloaded cluster configuration")
}

func configureLogging(c *Config) (zerolog.Logger, func(), error) {
	var outputs []io.Writer
	var reopen func()

	if c.LogStdout {
		var out io.Writer = os.Stdout
		if c.LogStdoutPretty {
			out = zerolog.ConsoleWriter{Out: os.Stdout}
		}
		outputs = append(outputs, newLevelWriter(out, c.LogStdoutLevel))
	}

	if c.LogFile != "" {
		fn, err := filepath.Abs(c.LogFile)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("resolve log file: %w", err)
		}

		fw := newLevelWriter(nil, c.LogFileLevel)
		reopen = func() {
			f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				fw.swap(nil)
				return
			}
			fw.swap(f)
		}
		outputs = append(outputs, fw)
		reopen()
	}

	l := zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return l, reopen, nil
}
