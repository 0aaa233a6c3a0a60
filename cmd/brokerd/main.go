// Command brokerd runs the flowbroker job-queue broker daemon: it accepts
// worker and client TCP connections, decodes the wire protocol, and
// dispatches commands against a Redis-backed queue/registry/sequence
// stack, optionally gossiping job availability to sibling nodes.
//
// Initialize -> Start -> wait-for-signal -> Stop, built around
// internal/broker's I/O-thread/processing-thread core instead of a single
// goroutine-per-connection server, and around cobra instead of a bare
// flag.FlagSet so the daemon can grow subcommands (e.g. a future
// "brokerd migrate") without reworking its entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowbroker/internal/auth"
	"flowbroker/internal/broker"
	"flowbroker/internal/config"
	"flowbroker/internal/executor"
	"flowbroker/internal/fanout"
	"flowbroker/internal/logging"
	"flowbroker/internal/metrics"
	"flowbroker/internal/queue"
	"flowbroker/internal/registry"
	"flowbroker/internal/sequence"
	"flowbroker/internal/storage"
	"flowbroker/internal/transport"
)

var (
	configFile string
	peerNodes  []string
)

func main() {
	root := &cobra.Command{
		Use:   "brokerd",
		Short: "flowbroker job-queue broker daemon",
		RunE:  runDaemon,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")
	root.Flags().StringSliceVar(&peerNodes, "peer", nil, "sibling broker node IDs to gossip job availability to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, v, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogDebug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	config.WatchLogLevel(v, func(debug bool) {
		logger.Info("log level config changed", zap.Bool("debug", debug))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := storage.NewClient(ctx, storage.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("brokerd: connect redis: %w", err)
	}
	defer redisClient.Close()

	reg := registry.New()
	q := queue.New(redisClient, cfg.QueueShards)
	seq := sequence.NewManager(redisClient)

	var relay *fanout.Relay
	if len(peerNodes) > 0 {
		relay = fanout.NewRelay(redisClient, cfg.NodeID)
	}

	exec := executor.New(reg, q, seq, relay)
	exec.SetPeers(cfg.NodeID, peerNodes)

	coord := broker.NewCoordinator(exec)
	exec.SetJobCounter(coord)

	if relay != nil {
		if err := relay.Start(ctx, exec.HandleAnnouncement); err != nil {
			return fmt.Errorf("brokerd: start fanout relay: %w", err)
		}
		defer relay.Stop()
	}

	if cfg.AdminAuthSecret != "" {
		issuer := auth.NewIssuer([]byte(cfg.AdminAuthSecret), cfg.AdminTokenTTL)
		go serveAdmin(ctx, logger, cfg.AdminAddr, issuer, exec)
	} else {
		logger.Warn("admin_auth_secret unset, admin endpoint disabled")
	}

	go metrics.Serve(ctx, logger, cfg.MetricsAddr)

	threadCount := cfg.ThreadCount
	if threadCount < 1 {
		threadCount = 1
	}

	d := newDaemon(coord, threadCount, logger)
	if err := d.listenAndServe(cfg.ListenAddr); err != nil {
		return err
	}

	logger.Info("brokerd started",
		zap.String("node_id", cfg.NodeID),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("thread_count", threadCount),
	)

	waitForShutdown(ctx, cancel, coord, cfg.ShutdownGrace, logger)
	d.stop()
	logger.Info("brokerd stopped")
	return nil
}

// serveAdmin exposes GET /status (JSON FunctionStatus list), gated on a
// Bearer JWT issued by issuer, so an operator can query queue depth
// without opening the worker wire protocol. Grounded on
// internal/metrics.Serve's graceful-shutdown-on-context-cancel shape.
func serveAdmin(ctx context.Context, logger *zap.Logger, addr string, issuer *auth.Issuer, exec *executor.Executor) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := issuer.RequireRole(tok, "admin"); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		status, err := exec.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("admin server started", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("admin server failed", zap.Error(err))
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM, then runs a two-stage
// shutdown: a first signal requests a graceful drain (outstanding jobs
// finish), a second signal or the grace period expiring forces an
// immediate shutdown.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, coord *broker.Coordinator, grace time.Duration, logger *zap.Logger) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig
	logger.Info("shutdown requested, draining outstanding jobs", zap.Duration("grace", grace))
	coord.ShutdownGraceful()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-sig:
		logger.Info("second shutdown signal received, shutting down immediately")
	case <-timer.C:
		logger.Info("grace period elapsed, shutting down immediately")
	}
	coord.Shutdown()
	cancel()
}

// pollConn wraps a transport.Conn so its owning broker.Connection can be
// recovered from a transport.Ready notification without a second lookup
// table; set once, right after IOThread.Accept returns. It also carries a
// reference to the poller it was registered with, since the wrapped
// *transport.Socket has no such reference and its own SetEventMask is a
// no-op.
type pollConn struct {
	transport.Conn
	owner  *broker.Connection
	poller transport.Poller
}

func (p *pollConn) Fd() int {
	if s, ok := p.Conn.(*transport.Socket); ok {
		return s.Fd()
	}
	return -1
}

// SetEventMask re-arms the owning poller's interest for this connection in
// addition to forwarding to the wrapped Conn, so a flush that starts or
// stops wanting write-readiness actually reaches EPOLL_CTL_MOD instead of
// leaving the connection registered read-only forever.
func (p *pollConn) SetEventMask(mask transport.EventMask) error {
	if err := p.Conn.SetEventMask(mask); err != nil {
		return err
	}
	if p.poller != nil {
		return p.poller.SetMask(p, mask)
	}
	return nil
}

// threadRunner drives one IOThread against its own dedicated poller: one
// poller per I/O thread.
type threadRunner struct {
	thread *broker.IOThread
	poller transport.Poller
	logger *zap.Logger
}

func newDaemon(coord *broker.Coordinator, threadCount int, logger *zap.Logger) *daemon {
	d := &daemon{coord: coord, logger: logger}
	for i := 0; i < threadCount; i++ {
		p, err := transport.NewEpollPoller()
		if err != nil {
			logger.Fatal("create poller", zap.Error(err))
		}
		d.runners = append(d.runners, &threadRunner{
			thread: broker.NewIOThread(coord),
			poller: p,
			logger: logger,
		})
	}
	return d
}

type daemon struct {
	coord   *broker.Coordinator
	logger  *zap.Logger
	runners []*threadRunner
	ln      net.Listener
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

func (d *daemon) listenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("brokerd: listen %s: %w", addr, err)
	}
	d.ln = ln
	d.stopCh = make(chan struct{})

	for _, r := range d.runners {
		d.wg.Add(1)
		go d.runLoop(r)
	}

	d.wg.Add(1)
	go d.acceptLoop()
	return nil
}

func (d *daemon) acceptLoop() {
	defer d.wg.Done()
	next := 0
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Warn("accept error", zap.Error(err))
				continue
			}
		}

		sock, err := transport.NewSocket(nc)
		if err != nil {
			d.logger.Warn("wrap accepted socket", zap.Error(err))
			_ = nc.Close()
			continue
		}

		r := d.runners[next%len(d.runners)]
		next++

		pc := &pollConn{Conn: sock, poller: r.poller}
		conn, err := r.thread.Accept(pc, r.poller)
		if err != nil {
			d.logger.Warn("register connection with poller", zap.Error(err))
			_ = nc.Close()
			continue
		}
		pc.owner = conn
		metrics.ConnectionsActive.Inc()
	}
}

func (d *daemon) runLoop(r *threadRunner) {
	defer d.wg.Done()
	var ready []transport.Ready
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		var err error
		ready, err = r.poller.Wait(ready[:0], 200)
		if err != nil {
			r.logger.Warn("poller wait error", zap.Error(err))
			continue
		}

		converted := make([]broker.ReadyConn, 0, len(ready))
		for _, rd := range ready {
			pc, ok := rd.Conn.(*pollConn)
			if !ok || pc.owner == nil {
				continue
			}
			converted = append(converted, broker.ReadyConn{
				Conn:     pc.owner,
				Readable: rd.Readable,
				Writable: rd.Writable,
			})
		}

		start := time.Now()
		_, status, err := r.thread.Run(converted)
		metrics.IOThreadRunLatency.WithLabelValues(status.String()).Observe(time.Since(start).Seconds())
		if err != nil {
			// ErrBusy: this runner's own goroutine is the only caller of
			// Run, so reentrancy can't happen here; surfaced defensively.
			r.logger.Warn("io thread run busy", zap.Error(err))
			continue
		}
		if status == broker.StatusShutdown {
			return
		}
	}
}

func (d *daemon) stop() {
	close(d.stopCh)
	if d.ln != nil {
		_ = d.ln.Close()
	}
	for _, r := range d.runners {
		_ = r.poller.Close()
	}
	d.wg.Wait()
}
