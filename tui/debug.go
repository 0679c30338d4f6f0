package tui

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// DebugTab shows the operator log held by the LogStore.
type DebugTab struct {
	app       *App
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	buttonBar *tview.TextView

	store *LogStore
	subID LogStoreListenerID
	dirty atomic.Bool
}

func NewDebugTab(app *App, store *LogStore) *DebugTab {
	t := &DebugTab{app: app, store: store}
	t.setupUI()
	if store != nil {
		t.subID = store.Subscribe(func(LogMessage) { t.dirty.Store(true) })
	}
	t.dirty.Store(true)
	return t
}

func (t *DebugTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	t.logView.SetBorder(true).SetTitle(" Log ")

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
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)

	t.RefreshTheme()
}

func (t *DebugTab) GetPrimitive() tview.Primitive { return t.flex }
func (t *DebugTab) GetFocusable() tview.Primitive { return t.logView }

// Clear empties the store and the view.
func (t *DebugTab) Clear() {
	if t.store != nil {
		t.store.Clear()
	}
	t.logView.SetText("")
	t.updateStatusBar(0)
}

// Refresh redraws the log when new lines arrived. Call on the UI goroutine.
func (t *DebugTab) Refresh() {
	if t.store == nil || !t.dirty.Swap(false) {
		return
	}
	msgs := t.store.GetMessages()
	t.logView.SetText(formatLog(msgs, CurrentTheme))
	t.logView.ScrollToEnd()
	t.updateStatusBar(len(msgs))
}

// Close stops listening to the store.
func (t *DebugTab) Close() {
	if t.store != nil && t.subID != "" {
		t.store.Unsubscribe(t.subID)
	}
}

func formatLog(msgs []LogMessage, th Theme) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(th.TagTextDim)
		b.WriteString(m.Timestamp.Format("15:04:05.000"))
		b.WriteString(th.TagReset)
		b.WriteByte(' ')
		b.WriteString(m.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

func (t *DebugTab) updateStatusBar(lines int) {
	limit := 0
	if t.store != nil {
		limit = t.store.maxLines
	}
	t.statusBar.SetText(fmt.Sprintf(" %d log lines (max %d)", lines, limit))
}

func (t *DebugTab) updateButtonBar() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagHotkey + "c" + th.TagText + "lear  " +
		th.TagHotkey + "g" + th.TagText + " top  " +
		th.TagHotkey + "G" + th.TagText + " bottom  " +
		th.TagHotkey + "?" + th.TagText + " help  " +
		th.TagHotkey + "Shift+Tab" + th.TagText + " next tab " + th.TagReset)
}

func (t *DebugTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	t.logView.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.logView.SetTextColor(th.Text)
	t.statusBar.SetTextColor(th.Text)
	t.dirty.Store(true)
}
