package main

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"talkme/server/internal/httpapi"
	"talkme/server/internal/store"
)

// Server is the process-wide collaborator every Session and the background
// tasks reach through (§2.1): it owns the channel registry, the voice
// fan-out engine, the adaptive control loop, the storage collaborator, and
// the supervisor.
//
// This replaces the teacher's HTTPS+WebSocket Server entirely: the wire
// protocol here is framed TCP plus raw UDP, not an HTTP upgrade (transport
// rationale recorded in DESIGN.md).
type Server struct {
	registry    *ChannelRegistry
	fanout      *FanoutEngine
	controlLoop *ControlLoop
	supervisor  *Supervisor
	store       *store.Store

	attachmentsDir string

	streamListener net.Listener
	voiceConn      *net.UDPConn
	apiServer      *httpapi.Server

	msgTimesMu sync.Mutex
	msgTimes   map[string]time.Time // "cid:username" -> last Message_Text time, bounded (§9)

	storageSem chan struct{} // bounds concurrent blocking storage calls (§5.4)
}

// Config bundles the bootstrap parameters of main.go's flags.
type Config struct {
	StreamAddr     string
	VoiceAddr      string
	APIAddr        string // empty disables the REST API
	DBPath         string
	AttachmentsDir string
}

// newServer wires the registry, control loop and supervisor without
// starting any network listener, so tests can construct a Server without a
// live socket. The fan-out engine is created later by listenAndServe, once
// the UDP socket is bound.
func newServer(st *store.Store, attachmentsDir string) *Server {
	registry := newChannelRegistry()
	srv := &Server{
		registry:       registry,
		store:          st,
		attachmentsDir: attachmentsDir,
		msgTimes:       make(map[string]time.Time),
		storageSem:     make(chan struct{}, workerPoolSize()),
	}
	srv.controlLoop = newControlLoop(registry)
	srv.supervisor = newSupervisor(srv, attachmentsDir)
	return srv
}

// workerPoolSize realizes §5's "worker pool capped at min(GOMAXPROCS, 16)"
// as a semaphore size rather than a custom executor: Go already multiplexes
// goroutines onto OS threads for free, so the only thing worth bounding is
// how many blocking storage calls run concurrently.
func workerPoolSize() int {
	n := runtime.GOMAXPROCS(0)
	if n > maxWorkerPoolSize {
		n = maxWorkerPoolSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// withStorage bridges a session's strand to the blocking storage
// collaborator through the bounded worker-pool semaphore (§5.4): acquiring
// a slot before calling fn and releasing it on return keeps at most
// workerPoolSize() storage calls in flight at once, independent of how many
// sessions are concurrently dispatching.
func withStorage[T any](srv *Server, fn func() (T, error)) (T, error) {
	srv.storageSem <- struct{}{}
	defer func() { <-srv.storageSem }()
	return fn()
}

// lastMessageTime returns the last recorded Message_Text time for
// (channelID, username), or the zero time if none. Used to enforce
// per-channel slow mode in the storage collaborator (§6.5).
func (srv *Server) lastMessageTime(channelID int64, username string) time.Time {
	srv.msgTimesMu.Lock()
	defer srv.msgTimesMu.Unlock()
	return srv.msgTimes[msgTimeKey(channelID, username)]
}

// recordMessageTime stamps now as the sender's last Message_Text time,
// evicting an arbitrary entry once the bound is exceeded (§9; the same
// bounded-map idiom the teacher uses for its own rate trackers).
func (srv *Server) recordMessageTime(channelID int64, username string) {
	srv.msgTimesMu.Lock()
	defer srv.msgTimesMu.Unlock()
	if len(srv.msgTimes) >= maxMsgOwners {
		for k := range srv.msgTimes {
			delete(srv.msgTimes, k)
			break
		}
	}
	srv.msgTimes[msgTimeKey(channelID, username)] = time.Now()
}

func msgTimeKey(channelID int64, username string) string {
	return strconv.FormatInt(channelID, 10) + ":" + username
}

// listenAndServe binds the stream (TCP) and voice (UDP) ports, starts the
// fan-out receive loop and the supervisor's background tasks, and blocks
// until ctx is cancelled.
func (srv *Server) listenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.StreamAddr)
	if err != nil {
		return err
	}
	srv.streamListener = ln

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.VoiceAddr)
	if err != nil {
		_ = ln.Close()
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv.voiceConn = conn
	srv.fanout = newFanoutEngine(srv.registry, conn)

	go srv.fanout.serve()
	go srv.supervisor.run(ctx)
	go srv.acceptLoop(ctx)

	if cfg.APIAddr != "" {
		srv.apiServer = httpapi.NewWithVoiceStats(srv.registry.stats, srv.supervisor.snapshotRing, srv.attachmentsDir)
		go func() {
			if err := srv.apiServer.Run(cfg.APIAddr); err != nil {
				slog.Error("api server exited", "err", err)
			}
		}()
		slog.Info("api server listening", "api_addr", cfg.APIAddr)
	}

	slog.Info("server listening", "stream_addr", cfg.StreamAddr, "voice_addr", cfg.VoiceAddr)

	<-ctx.Done()
	return srv.shutdown()
}

func (srv *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := srv.streamListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Error("accept stream connection", "err", err)
				continue
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		session := newSession(conn, srv)
		go session.serve(ctx)
	}
}

// shutdown closes the REST API and the listening sockets. Open session
// connections are not closed here: their serve/writePump loops do not watch
// ctx and end only when their own connection fails or is closed.
func (srv *Server) shutdown() error {
	var firstErr error
	if srv.apiServer != nil {
		if err := srv.apiServer.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if srv.streamListener != nil {
		if err := srv.streamListener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if srv.voiceConn != nil {
		if err := srv.voiceConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
