package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"optolink/engine"
)

var writeTypes = []string{"auto", "float", "integer", "bool", "hex"}

const maxRecentWrites = 50

// WriterTab sends register writes and shows the writer connection.
type WriterTab struct {
	app     *App
	flex    *tview.Flex
	form    *tview.Form
	status  *tview.TextView
	history *tview.TextView

	mu     sync.Mutex
	recent []string
}

func NewWriterTab(app *App) *WriterTab {
	t := &WriterTab{app: app}

	cfg := app.backend.GetConfig()
	cfg.Lock()
	defAddress := cfg.Writer.Address
	defWrite := cfg.Writer.Write
	cfg.Unlock()

	t.form = tview.NewForm().
		AddInputField("Address", defAddress, 14, nil, nil).
		AddDropDown("Type", writeTypes, 0, nil).
		AddInputField("Value", defWrite, 20, nil, nil).
		AddButton("Send", t.send).
		AddButton("Connect", t.connect)
	t.form.SetBorder(true).SetTitle(" Register Write ")

	t.status = tview.NewTextView().SetDynamicColors(true)
	t.status.SetBorder(true).SetTitle(" PAC Writer ")

	t.history = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	t.history.SetBorder(true).SetTitle(" Recent Writes ")

	top := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(t.form, 0, 1, true).
		AddItem(t.status, 0, 1, false)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 11, 0, true).
		AddItem(t.history, 0, 1, false)

	t.form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'c' && t.app.app.GetFocus() != t.form.GetFormItem(0) && t.app.app.GetFocus() != t.form.GetFormItem(2) {
			t.connect()
			return nil
		}
		return event
	})

	t.RefreshTheme()
	return t
}

func (t *WriterTab) GetPrimitive() tview.Primitive { return t.flex }
func (t *WriterTab) GetFocusable() tview.Primitive { return t.form }

func (t *WriterTab) fields() (address, typeHint string, value interface{}) {
	address = t.form.GetFormItem(0).(*tview.InputField).GetText()
	_, typeHint = t.form.GetFormItem(1).(*tview.DropDown).GetCurrentOption()
	raw := strings.TrimSpace(t.form.GetFormItem(2).(*tview.InputField).GetText())
	return address, typeHint, parseInput(typeHint, raw)
}

// send runs the write off the UI goroutine; the result arrives as an event.
func (t *WriterTab) send() {
	address, typeHint, value := t.fields()
	if typeHint == "auto" {
		typeHint = ""
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.app.backend.WriteFrom(ctx, "tui", address, typeHint, value); err != nil {
			StoreLog("%sWrite failed:%s %v", CurrentTheme.TagBad, CurrentTheme.TagReset, err)
			t.app.QueueUpdateDraw(func() { t.app.setStatus("Write failed: " + err.Error()) })
			return
		}
		t.app.QueueUpdateDraw(func() { t.app.setStatus("Write sent to " + address) })
	}()
}

func (t *WriterTab) connect() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := t.app.backend.ConnectWriter(ctx)
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.setStatus("Connect failed: " + err.Error())
				return
			}
			t.app.setStatus("PAC writer connected")
			t.Refresh()
		})
	}()
}

// addWrite records a write event for the history pane. Safe from any goroutine.
func (t *WriterTab) addWrite(ev engine.WriteEvent, at time.Time) {
	th := CurrentTheme
	result := th.TagGood + "ok" + th.TagReset
	if ev.Err != nil {
		result = th.TagBad + ev.Err.Error() + th.TagReset
	}
	line := fmt.Sprintf("%s%s%s %-12s %-8s %-6s %s", th.TagTextDim, at.Format("15:04:05.000"), th.TagReset,
		ev.Address, ev.Data, ev.Source, result)

	t.mu.Lock()
	t.recent = append(t.recent, line)
	if len(t.recent) > maxRecentWrites {
		t.recent = t.recent[len(t.recent)-maxRecentWrites:]
	}
	t.mu.Unlock()
}

// Refresh redraws the writer status and history. Call on the UI goroutine.
func (t *WriterTab) Refresh() {
	th := CurrentTheme
	st := t.app.backend.Stats()
	cfg := t.app.backend.GetConfig()
	cfg.Lock()
	enabled := cfg.Writer.Enabled
	address := cfg.WriterAddress()
	cfg.Unlock()

	var b strings.Builder
	if !enabled {
		fmt.Fprintf(&b, " %sWriter disabled in config%s\n\n", th.TagWarn, th.TagReset)
	}
	fmt.Fprintf(&b, " PAC:        %s\n", address)
	fmt.Fprintf(&b, " State:      %s %s\n", indicator(st.WriterState == "connected"), st.WriterState)
	fmt.Fprintf(&b, " Connects:   %d (%d reconnects)\n", st.Writer.Connects, st.Writer.Reconnects)
	fmt.Fprintf(&b, " Sent:       %d\n", st.Writer.Sent)
	fmt.Fprintf(&b, " Failed:     %d\n", st.Writer.Failed)
	t.status.SetText(b.String())

	t.mu.Lock()
	text := strings.Join(t.recent, "\n")
	t.mu.Unlock()
	t.history.SetText(text)
	t.history.ScrollToEnd()
}

func (t *WriterTab) RefreshTheme() {
	th := CurrentTheme
	for _, box := range []*tview.Box{t.form.Box, t.status.Box, t.history.Box} {
		box.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	}
	t.form.SetLabelColor(th.Text).SetButtonTextColor(th.Text)
	t.status.SetTextColor(th.Text)
	t.history.SetTextColor(th.Text)
}

// parseInput turns the value field into what the engine parses. Empty
// means the configured default. Without a type the text is sent as hex.
func parseInput(typeHint, raw string) interface{} {
	if raw == "" {
		return nil
	}
	if typeHint == "bool" {
		switch strings.ToLower(raw) {
		case "1", "true", "on":
			return true
		case "0", "false", "off":
			return false
		}
	}
	return raw
}
