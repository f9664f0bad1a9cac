// Package ssh serves the TUI to remote terminals. Every session runs its own
// TUI instance on top of the shared poller.
package ssh

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/terminfo"
	gossh "golang.org/x/crypto/ssh"

	"sumlink/logging"
)

func logSSH(format string, args ...interface{}) {
	logging.DebugLog("SSH", format, args...)
}

// App is a TUI bound to one session's screen.
type App interface {
	Run() error
	Shutdown()
}

// AppFactory builds the TUI for a new session.
type AppFactory func(screen tcell.Screen) App

// Config holds SSH server configuration.
type Config struct {
	Port           int
	Password       string
	AuthorizedKeys string // authorized_keys file or directory
	HostKeyPath    string
}

// Server accepts SSH connections and runs one TUI per session.
type Server struct {
	config    Config
	newApp    AppFactory
	sshConfig *gossh.ServerConfig
	listener  net.Listener

	sessions   map[*session]struct{}
	sessionsMu sync.RWMutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}

	onSessionConnect    func(remoteAddr string)
	onSessionDisconnect func(remoteAddr string)
}

type session struct {
	channel gossh.Channel
	conn    *gossh.ServerConn
	ptyReq  *ptyRequest
	tty     *channelTty
	app     App

	mu     sync.Mutex
	closed bool
}

func (s *session) remoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// setApp records the session's TUI. It reports false if the session closed
// first.
func (s *session) setApp(app App) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.app = app
	return true
}

// close ends the TUI and closes the channel with an exit status.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	app := s.app
	s.mu.Unlock()

	if app != nil {
		app.Shutdown()
	}
	if s.tty != nil {
		s.tty.Stop()
	}
	s.channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	s.channel.CloseWrite()
	s.channel.Close()
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

// NewServer creates an SSH server. newApp is called once per session.
func NewServer(config Config, newApp AppFactory) *Server {
	return &Server{
		config:   config,
		newApp:   newApp,
		sessions: make(map[*session]struct{}),
		stopChan: make(chan struct{}),
	}
}

// SetOnSessionConnect sets a callback for when a session connects.
func (s *Server) SetOnSessionConnect(fn func(remoteAddr string)) {
	s.onSessionConnect = fn
}

// SetOnSessionDisconnect sets a callback for when a session disconnects.
func (s *Server) SetOnSessionDisconnect(fn func(remoteAddr string)) {
	s.onSessionDisconnect = fn
}

// Start listens on the configured port. At least one of password or
// authorized keys must be set.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	sshConfig := &gossh.ServerConfig{}
	if cb := passwordCallback(s.config.Password); cb != nil {
		sshConfig.PasswordCallback = cb
	}
	keyCallback, err := publicKeyCallback(s.config.AuthorizedKeys)
	if err != nil {
		return err
	}
	if keyCallback != nil {
		sshConfig.PublicKeyCallback = keyCallback
	}
	if sshConfig.PasswordCallback == nil && sshConfig.PublicKeyCallback == nil {
		return fmt.Errorf("no authentication method configured")
	}

	hostKey, err := GetOrCreateHostKey(s.config.HostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to get host key: %w", err)
	}
	sshConfig.AddHostKey(hostKey)

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.sshConfig = sshConfig
	s.listener = listener
	s.stopChan = make(chan struct{})
	s.running = true
	logSSH("server started on %s", listener.Addr())

	go s.acceptLoop(listener, s.stopChan)
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logSSH("accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		logSSH("handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	logSSH("connection from %s (%s)", sshConn.RemoteAddr(), sshConn.User())

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logSSH("could not accept channel: %v", err)
			continue
		}
		go s.handleSession(&session{channel: channel, conn: sshConn}, requests)
	}
}

// handleSession serves pty-req, shell and window-change requests until the
// channel closes.
func (s *Server) handleSession(sess *session, requests <-chan *gossh.Request) {
	remoteAddr := sess.remoteAddr()
	started := false

	for req := range requests {
		ok := true
		switch req.Type {
		case "pty-req":
			ptyReq, err := parsePtyRequest(req.Payload)
			if err != nil {
				logSSH("invalid pty-req from %s: %v", remoteAddr, err)
				ok = false
				break
			}
			sess.ptyReq = ptyReq
			sess.tty = newChannelTty(sess.channel, ptyReq.Term, int(ptyReq.Width), int(ptyReq.Height))

		case "shell":
			if sess.tty == nil {
				sess.channel.Write([]byte("a terminal is required (ssh -t)\r\n"))
				ok = false
				break
			}
			if !started {
				started = true
				go s.runSession(sess)
			}

		case "window-change":
			width, height, err := parseWindowChange(req.Payload)
			if err != nil {
				logSSH("invalid window-change from %s: %v", remoteAddr, err)
				continue
			}
			if sess.tty != nil {
				sess.tty.SetWindowSize(width, height)
			}

		case "env":

		default:
			logSSH("unknown request type %s from %s", req.Type, remoteAddr)
			ok = false
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}

	sess.close()
}

func (s *Server) runSession(sess *session) {
	remoteAddr := sess.remoteAddr()
	logSSH("session started from %s (term=%s, size=%dx%d)",
		remoteAddr, sess.ptyReq.Term, sess.ptyReq.Width, sess.ptyReq.Height)

	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
	if s.onSessionConnect != nil {
		s.onSessionConnect(remoteAddr)
	}

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		s.sessionsMu.Unlock()
		if s.onSessionDisconnect != nil {
			s.onSessionDisconnect(remoteAddr)
		}
		sess.close()
		sess.conn.Close()
		logSSH("session from %s ended", remoteAddr)
	}()

	screen, err := screenForTty(sess.tty)
	if err != nil {
		logSSH("failed to create screen for %s: %v", remoteAddr, err)
		return
	}

	app := s.newApp(screen)
	if !sess.setApp(app) {
		return
	}
	if err := app.Run(); err != nil {
		logSSH("TUI error for %s: %v", remoteAddr, err)
	}
}

// screenForTty looks up terminfo for the client's TERM, falling back to
// xterm-256color and then xterm.
func screenForTty(tty *channelTty) (tcell.Screen, error) {
	var ti *terminfo.Terminfo
	var err error
	for _, term := range []string{tty.term, "xterm-256color", "xterm"} {
		if ti, err = terminfo.LookupTerminfo(term); err == nil {
			break
		}
		logSSH("terminfo not found for %s", term)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find terminfo: %w", err)
	}
	return tcell.NewTerminfoScreenFromTtyTerminfo(tty, ti)
}

// parsePtyRequest decodes a pty-req payload: string term, then uint32
// width and height. Pixel sizes and modes are ignored.
func parsePtyRequest(payload []byte) (*ptyRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("payload too short")
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(len(payload)) < 4+uint64(termLen)+16 {
		return nil, fmt.Errorf("payload too short for term")
	}
	offset := 4 + termLen
	return &ptyRequest{
		Term:   string(payload[4:offset]),
		Width:  binary.BigEndian.Uint32(payload[offset : offset+4]),
		Height: binary.BigEndian.Uint32(payload[offset+4 : offset+8]),
	}, nil
}

func parseWindowChange(payload []byte) (width, height int, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("payload too short")
	}
	return int(binary.BigEndian.Uint32(payload[0:4])), int(binary.BigEndian.Uint32(payload[4:8])), nil
}

// Stop closes the listener and every session.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	listener.Close()
	s.DisconnectAllSessions()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// DisconnectAllSessions closes every active session without waiting.
func (s *Server) DisconnectAllSessions() {
	s.sessionsMu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.RUnlock()

	for _, sess := range sessions {
		go sess.close()
	}
	if len(sessions) > 0 {
		logSSH("disconnecting %d session(s)", len(sessions))
	}
}
