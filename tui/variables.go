package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sumlink/sumread"
)

// VariablesTab shows every polled variable with its latest value.
type VariablesTab struct {
	app    *App
	flex   *tview.Flex
	filter *tview.InputField
	table  *tview.Table
	info   *tview.TextView
}

var variableColumns = []string{"Name", "Type", "N", "Op", "Value", "Alarm"}

// NewVariablesTab creates the variables tab.
func NewVariablesTab(app *App) *VariablesTab {
	t := &VariablesTab{app: app}
	t.setupUI()
	return t
}

func (t *VariablesTab) setupUI() {
	t.filter = tview.NewInputField().
		SetLabel(" Filter: ").
		SetFieldWidth(30)
	t.filter.SetChangedFunc(func(string) { t.Refresh() })
	t.filter.SetDoneFunc(func(key tcell.Key) {
		t.app.app.SetFocus(t.table)
	})

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetBorder(true).SetTitle(" Variables ").SetTitleColor(ColorAccent)
	t.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == '/' {
			t.app.app.SetFocus(t.filter)
			return nil
		}
		return event
	})

	t.info = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.filter, 1, 0, false).
		AddItem(t.table, 0, 1, true).
		AddItem(t.info, 1, 0, false)
}

// matches reports whether v passes the filter text.
func matches(v *sumread.Variable, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(v.Name), strings.ToLower(filter))
}

// Refresh re-reads every visible variable. Must be called from the UI goroutine.
func (t *VariablesTab) Refresh() {
	t.table.Clear()
	for col, name := range variableColumns {
		t.table.SetCell(0, col, tview.NewTableCell(name).
			SetTextColor(ColorAccent).
			SetSelectable(false))
	}

	filter := t.filter.GetText()
	shown, failing := 0, 0
	for _, v := range t.app.device.Variables() {
		if !matches(v, filter) {
			continue
		}
		shown++
		row := shown

		value, alarm := "", ""
		color := ColorText
		if v.Addr.Op == sumread.OpWrite {
			color = ColorDisabled
		} else if r, err := t.app.device.Read(v.Name); err != nil {
			alarm = err.Error()
			color = ColorError
		} else if !r.OK() {
			alarm = r.Alarm.String() + "/" + r.Severity.String()
			color = ColorError
			failing++
		} else {
			value = formatValue(r.Value)
		}

		cells := []string{v.Name, v.Addr.Type.String(), fmt.Sprint(v.Addr.NElem), v.Addr.Op.String(), value, alarm}
		for col, text := range cells {
			t.table.SetCell(row, col, tview.NewTableCell(text).SetTextColor(color).SetExpansion(boolToInt(col == 4)))
		}
	}

	t.info.SetText(fmt.Sprintf(" %d variables shown, %d in alarm   [gray]/[-] filter", shown, failing))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetPrimitive returns the main primitive for this tab.
func (t *VariablesTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *VariablesTab) GetFocusable() tview.Primitive {
	return t.table
}
