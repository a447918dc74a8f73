// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command sockd is the proxy daemon's entry point: it loads an HCL
// config, builds the three stage worker pools, and drives the central
// dispatcher loop until a signal asks it to stop or reload (spec.md
// §4.7/§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/sockd/internal/aclengine"
	"grimm.is/sockd/internal/dispatch"
	"grimm.is/sockd/internal/hostcheck"
	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/sockcfg"
	"grimm.is/sockd/internal/sockdmetrics"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/stage"
	"grimm.is/sockd/internal/workerpool"
)

func main() {
	configPath := flag.String("f", "/etc/sockd.conf", "path to the HCL configuration file")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus /metrics on (empty disables)")
	debug := flag.Bool("d", false, "debug-level logging")
	flag.Parse()

	log := logging.New(logging.Config{Level: levelFor(*debug)})
	logging.SetDefault(log)

	cfg, err := sockcfg.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sockd: %v\n", err)
		os.Exit(1)
	}
	snap := sockcfg.NewSnapshot(cfg)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			logging.Error("failed to write pid file", "path", cfg.PIDFile, "err", err)
			os.Exit(1)
		}
		defer os.Remove(cfg.PIDFile)
	}

	metrics := sockdmetrics.NewMetrics()
	metrics.RegisterMetrics()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logging.Warn("metrics server exited", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := newDaemon(snap, metrics)
	if err := d.listen(); err != nil {
		logging.Error("failed to bind listeners", "err", err)
		os.Exit(1)
	}
	d.spawnWorkers(ctx)
	go d.acceptLoop(ctx)
	go d.mother.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if err := d.reload(*configPath); err != nil {
				logging.Warn("config reload failed, keeping previous snapshot", "err", err)
				continue
			}
			logging.Info("config reloaded")
		default:
			logging.Info("shutting down", "signal", sig)
			cancel()
			d.closeListeners()
			return
		}
	}
}

func levelFor(debug bool) logging.Level {
	if debug {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// daemon bundles everything main needs to hold onto across a reload: the
// live config snapshot, the rule engine built from it, the worker pools,
// the dispatcher, and the accepted-connection registry the stage-worker
// goroutines in child.go share with it.
type daemon struct {
	snap    *sockcfg.Snapshot
	metrics *sockdmetrics.Metrics

	engineRef atomic.Pointer[aclengine.Engine]
	upstream  chan dispatch.Envelope
	reg       *sessionRegistry

	neg *workerpool.Pool
	req *workerpool.Pool
	io  *workerpool.Pool

	mother *dispatch.Mother

	listeners []net.Listener
	udpConns  []*net.UDPConn
}

func newDaemon(snap *sockcfg.Snapshot, metrics *sockdmetrics.Metrics) *daemon {
	cfg := snap.Load()
	d := &daemon{
		snap:     snap,
		metrics:  metrics,
		upstream: make(chan dispatch.Envelope, 256),
		reg:      newSessionRegistry(),
		neg:      workerpool.NewPool(workerpool.Negotiate),
		req:      workerpool.NewPool(workerpool.Request),
		io:       workerpool.NewPool(workerpool.IO),
	}
	d.engineRef.Store(engineFromConfig(cfg))

	m := dispatch.NewMother(d.neg, d.req, d.io)
	m.Upstream = d.upstream
	m.Metrics = d.metrics
	stateDir := os.Getenv("SOCKD_STATE_DIR")
	m.NegotiateThrottle = dispatch.DefaultChildDeathThrottle(stateDir)
	m.RequestThrottle = dispatch.DefaultChildDeathThrottle(stateDir)
	m.IOThrottle = dispatch.DefaultChildDeathThrottle(stateDir)
	d.mother = m

	return d
}

// engineFromConfig wires an aclengine.Engine's optional collaborators from
// the loaded config; backend names with no concrete client implementation
// retrieved for this pack (PAM, GSSAPI, LDAP) are left nil, which
// aclengine.RulesPermit already treats as "feature not compiled in"
// (spec.md §4.4's per-collaborator nil checks).
func engineFromConfig(cfg *sockcfg.Config) *aclengine.Engine {
	e := &aclengine.Engine{
		ClientRule: cfg.ClientRule,
		HostidRule: cfg.HostidRule,
		SocksRule:  cfg.SocksRule,
		Methods:    cfg.Methods,
	}
	if cfg.SrcHost.Resolver != "" || cfg.SrcHost.NoDNSUnknown || cfg.SrcHost.NoDNSMismatch {
		checker := hostcheck.Checker{Config: cfg.SrcHost}
		e.SrcHost = &checker
	}
	return e
}

// listen opens every configured listener up front so a bind failure is
// reported before any worker is spawned.
func (d *daemon) listen() error {
	cfg := d.snap.Load()
	for _, l := range cfg.Listeners {
		switch l.Network {
		case "udp":
			addr, err := net.ResolveUDPAddr("udp", l.Address)
			if err != nil {
				return err
			}
			conn, err := net.ListenUDP("udp", addr)
			if err != nil {
				return err
			}
			d.udpConns = append(d.udpConns, conn)
		default:
			ln, err := net.Listen("tcp", l.Address)
			if err != nil {
				return err
			}
			d.listeners = append(d.listeners, ln)
		}
	}
	return nil
}

func (d *daemon) closeListeners() {
	for _, ln := range d.listeners {
		ln.Close()
	}
	for _, c := range d.udpConns {
		c.Close()
	}
}

// spawnWorkers builds workersPerStage in-process child goroutines for each
// of the three stages, each backed by a real socketpair and holding an
// equal share of the stage's workerpool.MaxSlots (spec.md §4.6). sockd
// fixes this set of children at startup rather than
// forking additional ones under load, since there is no separate process
// whose exit the dispatcher needs to detect and replace; the throttle and
// reaper machinery in internal/dispatch still apply if a goroutine panics
// and its recover closes the pipes.
const workersPerStage = 4

func (d *daemon) spawnWorkers(ctx context.Context) {
	d.spawnStage(ctx, workerpool.Negotiate, d.neg, workersPerStage, func(w worker) {
		newWorker := func() *stage.NegotiateWorker {
			return &stage.NegotiateWorker{Engine: d.engineRef.Load(), Metrics: d.metrics}
		}
		runNegotiateWorker(ctx, w, d.reg, newWorker, d.upstream)
	})
	d.spawnStage(ctx, workerpool.Request, d.req, workersPerStage, func(w worker) {
		newWorker := func() *stage.RequestWorker {
			return &stage.RequestWorker{Engine: d.engineRef.Load(), Dialer: stage.DefaultDialer, Metrics: d.metrics}
		}
		runRequestWorker(ctx, w, d.reg, newWorker, d.upstream)
	})
	d.spawnStage(ctx, workerpool.IO, d.io, workersPerStage, func(w worker) {
		iow := &stage.IOWorker{Counters: d.metrics}
		runIOWorker(ctx, w, d.reg, iow)
	})
}

func (d *daemon) spawnStage(ctx context.Context, st workerpool.StageType, pool *workerpool.Pool, n int, run func(worker)) {
	for i := 0; i < n; i++ {
		dataM, dataC, err := dispatch.NewSocketpair()
		if err != nil {
			logging.Error("failed to create data socketpair", "stage", st, "err", err)
			continue
		}
		ackM, ackC, err := dispatch.NewSocketpair()
		if err != nil {
			logging.Error("failed to create ack socketpair", "stage", st, "err", err)
			dataM.Close()
			dataC.Close()
			continue
		}
		pool.Add(&workerpool.WorkerSlot{
			Type:  st,
			Data:  dataM,
			Ack:   ackM,
			FreeC: workerpool.MaxSlots[st] / n,
		})
		go run(worker{stage: st, data: dataC, ack: ackC})
	}
}

// acceptLoop runs one accept(2) loop per configured TCP listener, folding
// every accepted connection into an Envelope pushed onto upstream exactly
// like a stage worker's handoff, since Envelope is the only object
// carrying descriptors through Mother.trySend/workerpool.SendObject;
// Mother's own Incoming/acceptInto path (spec.md §4.7 step 7) never
// attaches a descriptor, so sockd routes the initial accept the same way
// it routes every later stage transition instead.
func (d *daemon) acceptLoop(ctx context.Context) {
	for _, ln := range d.listeners {
		go d.acceptOn(ctx, ln)
	}
	for _, uc := range d.udpConns {
		go d.relayUDPListener(ctx, uc)
	}
}

func (d *daemon) acceptOn(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logging.Warn("accept failed", "err", err)
				continue
			}
		}
		sess := socksession.New(conn.RemoteAddr(), conn.LocalAddr())
		d.reg.put(sess)
		d.upstream <- dispatch.Envelope{Kind: dispatch.ClientObject, Session: sess, FDs: []int{connFD(conn)}}
	}
}

// relayUDPListener treats one configured UDP listener as a standing
// barefoot-UDP relay point: sockd's HCL loader flattens every synthesized
// UDP-associate rule down to a single bind address per spec.md §6, so
// there is no per-client socket to dial here the way a TCP CONNECT
// dials one; the listener itself is the relay, mirroring dante's UDP
// ASSOCIATE reply binding one long-lived socket per configured range.
func (d *daemon) relayUDPListener(ctx context.Context, conn *net.UDPConn) {
	iow := &stage.IOWorker{Counters: d.metrics}
	sess := socksession.New(conn.LocalAddr(), conn.LocalAddr())
	if err := iow.RelayUDP(ctx, conn, nil, sess, nil); err != nil {
		logging.Warn("udp relay listener exited", "addr", conn.LocalAddr(), "err", err)
	}
}

// reload re-parses configPath and, only on success, swaps the live
// snapshot and publishes a freshly built engine through d.engineRef,
// which the negotiate/request child loops pick up on their next handoff;
// it does not touch listeners or worker pools, matching dante's SIGHUP
// behaviour of reloading rules without rebinding sockets (spec.md §6,
// reload.go's validate-then-apply pattern).
func (d *daemon) reload(configPath string) error {
	cfg, err := sockcfg.LoadFile(configPath)
	if err != nil {
		return err
	}
	d.snap.Store(cfg)
	d.engineRef.Store(engineFromConfig(cfg))
	return nil
}
