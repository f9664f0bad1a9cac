package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sumlink/config"
	"sumlink/poller"
	"sumlink/record"
	"sumlink/sumread"
)

// Device is the polled device being displayed. *poller.Poller implements it.
type Device interface {
	Snapshot() poller.Snapshot
	Variables() []*sumread.Variable
	Read(name string) (record.Result, error)
	Report(w io.Writer, details int)
}

// App is the main TUI application.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	header    *tview.TextView
	tabs      *tview.TextView
	statusBar *tview.TextView

	varsTab   *VariablesTab
	chunksTab *ChunksTab
	debugTab  *DebugTab

	device  Device
	config  *config.Config
	refresh time.Duration

	currentTab int
	tabNames   []string

	logs *LogStore

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewApp creates a new TUI application.
func NewApp(cfg *config.Config, device Device) *App {
	if cfg.UI.ASCIIMode {
		useASCIIBorders()
	}
	refresh := cfg.UI.Refresh
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	a := &App{
		app:      tview.NewApplication(),
		device:   device,
		config:   cfg,
		refresh:  refresh,
		tabNames: []string{TabVariables, TabChunks, TabDebug},
		stopChan: make(chan struct{}),
	}
	a.setupUI()
	return a
}

// NewAppWithScreen creates a TUI drawing on screen, used for remote sessions.
func NewAppWithScreen(cfg *config.Config, device Device, screen tcell.Screen) *App {
	a := NewApp(cfg, device)
	a.app.SetScreen(screen)
	return a
}

// AttachLogs subscribes the debug tab to store until Shutdown.
func (a *App) AttachLogs(store *LogStore) {
	a.logs = store
	store.Attach(a.debugTab)
}

func (a *App) setupUI() {
	a.header = tview.NewTextView().SetDynamicColors(true)
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.statusBar = tview.NewTextView().SetDynamicColors(true)

	a.varsTab = NewVariablesTab(a)
	a.chunksTab = NewChunksTab(a)
	a.debugTab = NewDebugTab()

	a.pages = tview.NewPages()
	a.pages.AddPage(TabVariables, a.varsTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabChunks, a.chunksTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Modals and the filter field get their keys unfiltered.
	if front, _ := a.pages.GetFrontPage(); front == "help" {
		return event
	}
	if a.app.GetFocus() == a.varsTab.filter {
		return event
	}

	switch {
	case event.Rune() == 'q' || event.Rune() == 'Q' || event.Key() == tcell.KeyEscape:
		a.Shutdown()
		return nil
	case event.Key() == tcell.KeyTab:
		a.switchToTab((a.currentTab + 1) % len(a.tabNames))
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.switchToTab((a.currentTab + len(a.tabNames) - 1) % len(a.tabNames))
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	}
	return event
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.focusCurrentTab()
	a.refreshAll()
}

func (a *App) focusCurrentTab() {
	switch a.currentTab {
	case 0:
		a.app.SetFocus(a.varsTab.GetFocusable())
	case 1:
		a.app.SetFocus(a.chunksTab.GetFocusable())
	case 2:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += "[gray]  │  [-]"
		}
		if i == a.currentTab {
			text += "[yellow::b]" + name + "[-::-]"
		} else {
			text += "[gray]" + name + "[-]"
		}
	}
	a.tabs.SetText(text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

// headerText summarizes the device session on one line.
func headerText(snap poller.Snapshot) string {
	text := fmt.Sprintf(" %s [::b]%s[::-] %s  %s", statusIndicator(snap.Status), snap.Name, snap.Address, snap.Status)
	if snap.Status == poller.StatusConnected {
		text += fmt.Sprintf("  %s  %s", snap.Info, snap.State.ADSState)
	} else if snap.LastError != nil {
		text += "  [red]" + tview.Escape(snap.LastError.Error()) + "[-]"
	}
	text += fmt.Sprintf("   vars %d  chunks %d  reads %d  failures %d  changes %d",
		snap.Variables, snap.Chunks, snap.Reads, snap.Failures, snap.Changes)
	return text
}

func (a *App) showHelp() {
	const pageName = "help"

	textView := tview.NewTextView().SetText(HelpText)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.pages.RemovePage(pageName)
			a.focusCurrentTab()
			return nil
		}
		return event
	})

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(textView, 24, 0, true).
			AddItem(nil, 0, 1, false), 45, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(textView)
}

// Log writes to the debug tab. Safe to call from any goroutine.
func (a *App) Log(format string, args ...interface{}) {
	a.debugTab.Log(format, args...)
}

// DebugTab returns the debug tab so callers can attach a file logger.
func (a *App) DebugTab() *DebugTab {
	return a.debugTab
}

func (a *App) refreshAll() {
	a.header.SetText(headerText(a.device.Snapshot()))
	switch a.currentTab {
	case 0:
		a.varsTab.Refresh()
	case 1:
		a.chunksTab.Refresh()
	}
	a.debugTab.Refresh()
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refreshAll)
		}
	}
}

// Run starts the application. It blocks until the user quits.
func (a *App) Run() error {
	a.refreshAll()
	go a.refreshLoop()
	return a.app.Run()
}

// Shutdown stops the refresh loop and the application.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		if a.logs != nil {
			a.logs.Detach(a.debugTab)
		}
	})
	a.app.Stop()
}
