package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sumlink/logging"
)

// DebugTab displays log messages from the poller and the publishers.
type DebugTab struct {
	flex       *tview.Flex
	logView    *tview.TextView
	statusBar  *tview.TextView
	messages   []string
	dirty      bool
	mu         sync.Mutex
	maxLines   int
	fileLogger *logging.FileLogger
}

// NewDebugTab creates a new debug tab.
func NewDebugTab() *DebugTab {
	t := &DebugTab{maxLines: 1000}
	t.setupUI()
	return t
}

func (t *DebugTab) setupUI() {
	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(ColorText)
	t.logView.SetBorder(true).SetTitle(" Debug Log ").SetTitleColor(ColorAccent)

	t.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c', 'C':
			t.Clear()
			return nil
		case 'G':
			t.logView.ScrollToEnd()
			return nil
		case 'g':
			t.logView.ScrollToBeginning()
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

// Log adds a message to the debug log. Safe to call from any goroutine;
// the view is only updated by Refresh.
func (t *DebugTab) Log(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fileLogger != nil {
		t.fileLogger.Log("%s", stripColorTags(msg))
	}

	t.messages = append(t.messages, fmt.Sprintf("[gray]%s[-] %s", time.Now().Format("15:04:05.000"), msg))
	if len(t.messages) > t.maxLines {
		t.messages = t.messages[len(t.messages)-t.maxLines:]
	}
	t.dirty = true
}

// LogError adds an error message to the debug log.
func (t *DebugTab) LogError(format string, args ...interface{}) {
	t.Log("[red]ERROR:[-] "+format, args...)
}

// SetFileLogger mirrors messages to logger.
func (t *DebugTab) SetFileLogger(logger *logging.FileLogger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fileLogger = logger
}

// Clear clears the debug log.
func (t *DebugTab) Clear() {
	t.mu.Lock()
	t.messages = nil
	t.dirty = true
	t.mu.Unlock()
}

// Refresh redraws the log if new messages arrived. Must be called from the
// UI goroutine.
func (t *DebugTab) Refresh() {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	text := strings.Join(t.messages, "\n")
	count := len(t.messages)
	t.dirty = false
	t.mu.Unlock()

	t.logView.SetText(text)
	t.logView.ScrollToEnd()
	t.statusBar.SetText(fmt.Sprintf(" %d messages   [gray]c[-] clear  [gray]g/G[-] top/bottom", count))
}

// GetPrimitive returns the main primitive for this tab.
func (t *DebugTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *DebugTab) GetFocusable() tview.Primitive {
	return t.logView
}
