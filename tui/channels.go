package tui

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rivo/tview"

	"optolink/config"
	"optolink/opto"
)

var channelHeaders = []string{"Name", "Type", "Index", "Value"}

// ChannelsTab shows the configured inputs and their latest values.
type ChannelsTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
}

func NewChannelsTab(app *App) *ChannelsTab {
	t := &ChannelsTab{app: app}

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetBorder(true).SetTitle(" Channels ")

	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.table, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)

	t.RefreshTheme()
	return t
}

func (t *ChannelsTab) GetPrimitive() tview.Primitive { return t.flex }
func (t *ChannelsTab) GetFocusable() tview.Primitive { return t.table }

// Refresh redraws the table from the latest record. Call on the UI goroutine.
func (t *ChannelsTab) Refresh() {
	th := CurrentTheme
	rec := t.app.backend.Latest()
	rows := channelRows(t.app.backend.Inputs(), rec)

	t.table.Clear()
	for col, h := range channelHeaders {
		t.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(th.Accent).
			SetSelectable(false).
			SetExpansion(1))
	}
	for i, row := range rows {
		for col, text := range row {
			color := th.Text
			if col == 3 && text == missingValue {
				color = th.TextDim
			}
			t.table.SetCell(i+1, col, tview.NewTableCell(text).SetTextColor(color).SetExpansion(1))
		}
	}

	st := t.app.backend.Stats()
	status := fmt.Sprintf(" %s gateway  %d records in %d batches", indicator(st.GatewayActive), st.Records, st.Batches)
	if rec != nil {
		status += fmt.Sprintf("  last %s", rec.Time.Format("15:04:05.000"))
	}
	if st.Gateway.Dropped > 0 {
		status += fmt.Sprintf("  %s%d dropped%s", th.TagWarn, st.Gateway.Dropped, th.TagReset)
	}
	t.statusBar.SetText(status)
}

func (t *ChannelsTab) RefreshTheme() {
	th := CurrentTheme
	t.table.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.statusBar.SetTextColor(th.Text)
}

const missingValue = "-"

// channelRows renders one row per configured input. Inputs the record does
// not carry (index out of range, or no telemetry yet) show missingValue.
func channelRows(inputs []config.InputConfig, rec *opto.Record) [][]string {
	rows := make([][]string, 0, len(inputs))
	for _, in := range inputs {
		value := missingValue
		if rec != nil {
			if v, ok := rec.Get(in.Name); ok {
				value = formatValue(v)
			}
		}
		rows = append(rows, []string{in.Name, in.Type, strconv.Itoa(in.Index), value})
	}
	return rows
}

// formatValue renders a record value for display.
func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case float32:
		if math.IsNaN(float64(x)) {
			return "NaN"
		}
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case uint32:
		return fmt.Sprintf("%d (0x%08X)", x, x)
	case bool:
		if x {
			return "ON"
		}
		return "OFF"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
