package ssh

import (
	"io"
	"sync"

	"github.com/gdamore/tcell/v2"
	gossh "golang.org/x/crypto/ssh"
)

// channelTty lets tcell drive a terminal over an SSH session channel.
type channelTty struct {
	channel gossh.Channel
	term    string

	mu       sync.RWMutex
	width    int
	height   int
	stopped  bool
	resizeCb func()
}

func newChannelTty(channel gossh.Channel, term string, width, height int) *channelTty {
	if term == "" {
		term = "xterm-256color"
	}
	return &channelTty{
		channel: channel,
		term:    term,
		width:   width,
		height:  height,
	}
}

// Start is a no-op; the client has already put its terminal in raw mode.
func (t *channelTty) Start() error { return nil }

// Stop makes further reads return EOF. The channel stays open so the screen
// can still write its restore sequences.
func (t *channelTty) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *channelTty) Drain() error { return nil }

func (t *channelTty) NotifyResize(cb func()) {
	t.mu.Lock()
	t.resizeCb = cb
	t.mu.Unlock()
}

func (t *channelTty) WindowSize() (tcell.WindowSize, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tcell.WindowSize{Width: t.width, Height: t.height}, nil
}

// SetWindowSize applies a window-change request.
func (t *channelTty) SetWindowSize(width, height int) {
	t.mu.Lock()
	t.width, t.height = width, height
	cb := t.resizeCb
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (t *channelTty) isStopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

func (t *channelTty) Read(b []byte) (int, error) {
	if t.isStopped() {
		return 0, io.EOF
	}
	n, err := t.channel.Read(b)
	if err != nil && t.isStopped() {
		return 0, io.EOF
	}
	return n, err
}

func (t *channelTty) Write(b []byte) (int, error) {
	return t.channel.Write(b)
}

func (t *channelTty) Close() error {
	t.Stop()
	return t.channel.Close()
}

var _ tcell.Tty = (*channelTty)(nil)
