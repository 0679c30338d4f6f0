package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"optolink/engine"
)

var serviceHeaders = []string{"", "Kind", "Name", "Address", "Enabled", "Error"}

// ServicesTab lists MQTT brokers, Valkey servers and Kafka clusters.
type ServicesTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView

	rows []engine.ServiceStatus
}

func NewServicesTab(app *App) *ServicesTab {
	t := &ServicesTab{app: app}

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetBorder(true).SetTitle(" Services ")
	t.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 's':
			t.control(true)
			return nil
		case 'S':
			t.control(false)
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.table, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)

	t.RefreshTheme()
	return t
}

func (t *ServicesTab) GetPrimitive() tview.Primitive { return t.flex }
func (t *ServicesTab) GetFocusable() tview.Primitive { return t.table }

func (t *ServicesTab) selected() (engine.ServiceStatus, bool) {
	row, _ := t.table.GetSelection()
	if row < 1 || row > len(t.rows) {
		return engine.ServiceStatus{}, false
	}
	return t.rows[row-1], true
}

// control starts or stops the selected service off the UI goroutine.
func (t *ServicesTab) control(start bool) {
	svc, ok := t.selected()
	if !ok {
		return
	}
	verb := "Stopping"
	if start {
		verb = "Starting"
	}
	t.app.setStatus(fmt.Sprintf("%s %s %s...", verb, svc.Kind, svc.Name))

	go func() {
		var err error
		if start {
			err = t.app.backend.StartService(svc.Kind, svc.Name)
		} else {
			err = t.app.backend.StopService(svc.Kind, svc.Name)
		}
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.setStatus(fmt.Sprintf("%s %s: %v", svc.Kind, svc.Name, err))
			} else {
				t.app.setStatus(fmt.Sprintf("%s %s done", svc.Kind, svc.Name))
			}
			t.Refresh()
		})
	}()
}

// Refresh redraws the table. Call on the UI goroutine.
func (t *ServicesTab) Refresh() {
	th := CurrentTheme
	t.rows = t.app.backend.Services()

	row, _ := t.table.GetSelection()
	t.table.Clear()
	for col, h := range serviceHeaders {
		t.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(th.Accent).
			SetSelectable(false).
			SetExpansion(1))
	}
	for i, svc := range t.rows {
		enabled := "no"
		if svc.Enabled {
			enabled = "yes"
		}
		cells := []string{indicator(svc.Running), svc.Kind, svc.Name, svc.Address, enabled, svc.Error}
		for col, text := range cells {
			cell := tview.NewTableCell(text).SetTextColor(th.Text).SetExpansion(1)
			if col == 0 {
				cell.SetExpansion(0)
			}
			if col == len(cells)-1 && text != "" {
				cell.SetTextColor(th.Bad)
			}
			t.table.SetCell(i+1, col, cell)
		}
	}
	if row < 1 {
		row = 1
	}
	if row > len(t.rows) {
		row = len(t.rows)
	}
	if row >= 1 {
		t.table.Select(row, 0)
	}

	running := 0
	for _, svc := range t.rows {
		if svc.Running {
			running++
		}
	}
	t.statusBar.SetText(fmt.Sprintf(" %d configured, %d running   %ss%s start  %sS%s stop",
		len(t.rows), running, th.TagHotkey, th.TagReset, th.TagHotkey, th.TagReset))
}

func (t *ServicesTab) RefreshTheme() {
	th := CurrentTheme
	t.table.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.table.SetSelectedStyle(tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(th.Accent))
	t.statusBar.SetTextColor(th.Text)
}
