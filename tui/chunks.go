package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const maxDetails = 3

// ChunksTab shows the sum-read report.
type ChunksTab struct {
	app     *App
	flex    *tview.Flex
	report  *tview.TextView
	info    *tview.TextView
	details int
}

// NewChunksTab creates the chunks tab.
func NewChunksTab(app *App) *ChunksTab {
	t := &ChunksTab{app: app}
	t.setupUI()
	return t
}

func (t *ChunksTab) setupUI() {
	t.report = tview.NewTextView().
		SetScrollable(true).
		SetTextColor(ColorText)
	t.report.SetBorder(true).SetTitle(" Sum-Read Report ").SetTitleColor(ColorAccent)
	t.report.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case '+':
			t.setDetails(t.details + 1)
			return nil
		case '-':
			t.setDetails(t.details - 1)
			return nil
		}
		return event
	})

	t.info = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.report, 0, 1, true).
		AddItem(t.info, 1, 0, false)
}

func (t *ChunksTab) setDetails(n int) {
	if n < 0 || n > maxDetails {
		return
	}
	t.details = n
	t.Refresh()
}

// Refresh regenerates the report. Must be called from the UI goroutine.
func (t *ChunksTab) Refresh() {
	var sb strings.Builder
	t.app.device.Report(&sb, t.details)

	row, col := t.report.GetScrollOffset()
	t.report.SetText(sb.String())
	t.report.ScrollTo(row, col)
	t.info.SetText(fmt.Sprintf(" detail level %d   [gray]+/-[-] change", t.details))
}

// GetPrimitive returns the main primitive for this tab.
func (t *ChunksTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *ChunksTab) GetFocusable() tview.Primitive {
	return t.report
}
