package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/launcherd/launcherd/pkg/helpers/syncutil"
	"github.com/launcherd/launcherd/pkg/policytypes"
)

// eventSubscriberBuffer bounds how many undelivered events a subscribed
// peer may queue before the broker disconnects it.
const eventSubscriberBuffer = 32

// Dispatcher is implemented by the orchestrator and holds every command
// handler the server has no business implementing itself: the server's
// job is framing, auth and rate limiting, not policy decisions.
type Dispatcher interface {
	GetState() ServiceStateSnapshot
	ListEntries() []policytypes.EntryView
	Launch(entryID policytypes.EntryId) (LaunchApproved, *LaunchDenied, error)
	StopCurrent(mode StopMode) error
	ExtendCurrent(by time.Duration) (Extended, error)
	ReloadConfig() error
	GetHealth() HealthStatus
}

// peer tracks one connected client's role, subscription and outbound
// write queue.
type peer struct {
	id         policytypes.ClientId
	role       Role
	conn       net.Conn
	writeCh    chan []byte
	subscriber int
	subscribed atomic.Bool
}

// Server is the Unix-socket control endpoint. One Server exists per
// daemon; Dispatcher is supplied by the orchestrator at construction.
type Server struct {
	socketPath string
	serviceUID int
	dispatcher Dispatcher
	broker     *Broker
	limiter    *RateLimiter

	mu    syncutil.RWMutex
	peers map[policytypes.ClientId]*peer

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer constructs a Server. serviceUID is the daemon process's own
// UID, used to recognize same-user peers as Admin.
func NewServer(socketPath string, serviceUID int, dispatcher Dispatcher) *Server {
	return &Server{
		socketPath: socketPath,
		serviceUID: serviceUID,
		dispatcher: dispatcher,
		broker:     NewBroker(),
		limiter:    NewRateLimiter(),
		peers:      make(map[policytypes.ClientId]*peer),
	}
}

// Broker exposes the event broker so the orchestrator can publish events
// as state transitions happen.
func (s *Server) Broker() *Broker { return s.broker }

// Start binds the control socket and begins accepting connections in a
// background goroutine. Any stale socket file at socketPath is removed
// first, matching a crash-recovered daemon's expectations.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return fmt.Errorf("ipc: create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.listener = listener

	log.Info().Str("path", s.socketPath).Msg("ipc: listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener, disconnects every peer and removes the
// socket file.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[policytypes.ClientId]*peer)
	s.mu.Unlock()

	for _, p := range peers {
		close(p.writeCh)
		_ = p.conn.Close()
	}
	s.broker.Stop()
	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Error().Err(err).Msg("ipc: accept failed")
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	role := s.inferRole(conn)
	p := &peer{
		id:      policytypes.NewClientId(),
		role:    role,
		conn:    conn,
		writeCh: make(chan []byte, eventSubscriberBuffer),
	}

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	log.Info().Str("client", string(p.id)).Str("role", string(role)).Msg("ipc: client connected")

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go s.writeLoop(p, &writerWG)

	s.readLoop(ctx, p)

	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
	if p.subscribed.Load() {
		s.broker.Unsubscribe(p.subscriber)
	}
	s.limiter.Forget(p.id)
	close(p.writeCh)
	writerWG.Wait()
	log.Info().Str("client", string(p.id)).Msg("ipc: client disconnected")
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(p, line)
	}
}

func (s *Server) handleLine(p *peer, line []byte) {
	var req RequestEnvelope
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(p, 0, errResult(ErrInvalidRequest, "malformed request envelope"))
		return
	}

	var cmd commandEnvelope
	if err := json.Unmarshal(req.Command, &cmd); err != nil {
		s.reply(p, req.RequestID, errResult(ErrInvalidRequest, "malformed command"))
		return
	}

	if !s.limiter.Allow(p.id) {
		s.reply(p, req.RequestID, errResult(ErrRateLimited, "too many requests"))
		return
	}

	if !authorize(p.role, cmd.Type) {
		s.reply(p, req.RequestID, errResult(ErrPermissionDenied, fmt.Sprintf("role %s may not issue %s", p.role, cmd.Type)))
		return
	}

	s.reply(p, req.RequestID, s.dispatch(p, cmd.Type, req.Command))
}

func (s *Server) dispatch(p *peer, commandType string, raw json.RawMessage) ResultEnvelope {
	switch commandType {
	case CmdPing:
		return okResult(struct{}{})
	case CmdGetHealth:
		return okResult(s.dispatcher.GetHealth())
	case CmdGetState:
		return okResult(s.dispatcher.GetState())
	case CmdListEntries:
		return okResult(s.dispatcher.ListEntries())
	case CmdLaunch:
		var c launchCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return errResult(ErrInvalidRequest, "malformed launch command")
		}
		approved, denied, err := s.dispatcher.Launch(c.EntryID)
		if err != nil {
			return errResult(ErrEntryNotFound, err.Error())
		}
		if denied != nil {
			return errResult(ErrLaunchDenied, fmt.Sprintf("launch denied: %v", denied.Reasons))
		}
		return okResult(approved)
	case CmdStopCurrent:
		var c stopCurrentCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return errResult(ErrInvalidRequest, "malformed stop_current command")
		}
		if err := s.dispatcher.StopCurrent(c.Mode); err != nil {
			return errResult(ErrNoActiveSession, err.Error())
		}
		return okResult(struct{}{})
	case CmdExtendCurrent:
		var c extendCurrentCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return errResult(ErrInvalidRequest, "malformed extend_current command")
		}
		extended, err := s.dispatcher.ExtendCurrent(c.By)
		if err != nil {
			return errResult(ErrNoActiveSession, err.Error())
		}
		return okResult(extended)
	case CmdReloadConfig:
		if err := s.dispatcher.ReloadConfig(); err != nil {
			return errResult(ErrConfigError, err.Error())
		}
		return okResult(struct{}{})
	case CmdSubscribeEvents:
		s.subscribe(p)
		return okResult(struct{}{})
	case CmdUnsubscribeEvents:
		s.unsubscribe(p)
		return okResult(struct{}{})
	default:
		return errResult(ErrInvalidRequest, fmt.Sprintf("unknown command %q", commandType))
	}
}

func (s *Server) subscribe(p *peer) {
	if p.subscribed.Load() {
		return
	}
	events, id := s.broker.Subscribe(eventSubscriberBuffer)
	p.subscriber = id
	p.subscribed.Store(true)
	go func() {
		for evt := range events {
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			select {
			case p.writeCh <- append(data, '\n'):
			default:
				log.Warn().Str("client", string(p.id)).Msg("ipc: peer write queue full, dropping event")
			}
		}
		// events closes either because this peer unsubscribed explicitly
		// (subscribed already false below) or because the broker dropped it
		// for falling too far behind, in which case the whole connection is
		// torn down rather than left silently unsubscribed.
		if p.subscribed.CompareAndSwap(true, false) {
			log.Warn().Str("client", string(p.id)).Msg("ipc: disconnecting peer that fell behind on events")
			_ = p.conn.Close()
		}
	}()
}

func (s *Server) unsubscribe(p *peer) {
	if !p.subscribed.CompareAndSwap(true, false) {
		return
	}
	s.broker.Unsubscribe(p.subscriber)
}

func (s *Server) reply(p *peer, requestID uint64, result ResultEnvelope) {
	resp := ResponseEnvelope{RequestID: requestID, APIVersion: APIVersion, Result: result}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("ipc: marshal response")
		return
	}
	select {
	case p.writeCh <- append(data, '\n'):
	default:
		log.Warn().Str("client", string(p.id)).Msg("ipc: peer write queue full, dropping response")
	}
}

func (s *Server) writeLoop(p *peer, wg *sync.WaitGroup) {
	defer wg.Done()
	for msg := range p.writeCh {
		if _, err := p.conn.Write(msg); err != nil {
			return
		}
	}
}

// inferRole reads the peer's credentials over SO_PEERCRED. UID 0 or the
// daemon's own UID is Admin; every other peer is Shell. A credential
// lookup failure degrades to Shell, never Admin.
func (s *Server) inferRole(conn net.Conn) Role {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return RoleShell
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return RoleShell
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || sockErr != nil || cred == nil {
		return RoleShell
	}
	if cred.Uid == 0 || int(cred.Uid) == s.serviceUID {
		return RoleAdmin
	}
	return RoleShell
}
