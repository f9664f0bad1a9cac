// Package tui provides the terminal status display for sumlink.
package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sumlink/poller"
)

// Color scheme
var (
	ColorPrimary   = tcell.ColorBlue
	ColorAccent    = tcell.ColorYellow
	ColorError     = tcell.ColorRed
	ColorDisabled  = tcell.ColorGray
	ColorConnected = tcell.ColorGreen
	ColorText      = tcell.ColorWhite
)

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// Tab labels
const (
	TabVariables = "Variables"
	TabChunks    = "Chunks"
	TabDebug     = "Debug"
)

// HelpText lists the keyboard shortcuts.
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Tab          Next tab
   Shift+Tab    Previous tab
   ?            Show this help

 Variables Tab
   /            Focus filter
   Escape       Return to table

 Chunks Tab
   + / -        More / less detail

 Debug Tab
   c            Clear log
   g / G        Top / bottom

 Application
   q, Escape    Quit
`

func statusIndicator(s poller.ConnectionStatus) string {
	switch s {
	case poller.StatusConnected:
		return StatusIndicatorConnected
	case poller.StatusConnecting:
		return StatusIndicatorConnecting
	case poller.StatusError:
		return StatusIndicatorError
	default:
		return StatusIndicatorDisconnected
	}
}

// useASCIIBorders swaps tview's box drawing characters for plain ASCII.
func useASCIIBorders() {
	tview.Borders.Horizontal = '-'
	tview.Borders.Vertical = '|'
	tview.Borders.TopLeft = '+'
	tview.Borders.TopRight = '+'
	tview.Borders.BottomLeft = '+'
	tview.Borders.BottomRight = '+'
	tview.Borders.HorizontalFocus = '='
	tview.Borders.VerticalFocus = '|'
	tview.Borders.TopLeftFocus = '+'
	tview.Borders.TopRightFocus = '+'
	tview.Borders.BottomLeftFocus = '+'
	tview.Borders.BottomRightFocus = '+'
}

const maxValueWidth = 48

// formatValue renders a decoded value for a table cell.
func formatValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		s = strconv.FormatFloat(val, 'g', -1, 64)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = formatValue(e)
		}
		s = "[" + strings.Join(parts, " ") + "]"
	case string:
		s = strconv.Quote(val)
	default:
		s = fmt.Sprint(val)
	}
	if len(s) > maxValueWidth {
		s = s[:maxValueWidth-1] + "…"
	}
	return s
}

// stripColorTags removes tview color tags like [red], [green], [-], etc.
func stripColorTags(s string) string {
	result := make([]byte, 0, len(s))
	inTag := false
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			inTag = true
			continue
		}
		if s[i] == ']' && inTag {
			inTag = false
			continue
		}
		if !inTag {
			result = append(result, s[i])
		}
	}
	return string(result)
}
