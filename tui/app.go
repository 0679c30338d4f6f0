package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"optolink/config"
	"optolink/engine"
	"optolink/opto"
)

// Backend is the part of the engine the terminal UI drives.
type Backend interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetEventBus() *engine.EventBus
	Latest() *opto.Record
	Stats() engine.Stats
	Inputs() []config.InputConfig
	Services() []engine.ServiceStatus
	StartService(kind, name string) error
	StopService(kind, name string) error
	WriteFrom(ctx context.Context, source, address, typeHint string, value interface{}) error
	ConnectWriter(ctx context.Context) error
}

// App is the main TUI application.
type App struct {
	app            *tview.Application
	pages          *tview.Pages
	tabs           *tview.TextView
	statusBar      *tview.TextView
	themeIndicator *tview.TextView

	channelsTab *ChannelsTab
	writerTab   *WriterTab
	servicesTab *ServicesTab
	debugTab    *DebugTab

	backend    Backend
	config     *config.Config
	configPath string

	currentTab int
	tabNames   []string

	stopChan chan struct{}
	subID    int
}

// NewApp creates a TUI application on the terminal.
func NewApp(backend Backend) *App {
	return newApp(backend, tview.NewApplication())
}

// NewAppWithScreen creates a TUI application drawing on screen.
func NewAppWithScreen(backend Backend, screen tcell.Screen) *App {
	return newApp(backend, tview.NewApplication().SetScreen(screen))
}

func newApp(backend Backend, tv *tview.Application) *App {
	cfg := backend.GetConfig()
	cfg.Lock()
	theme := cfg.UI.Theme
	cfg.Unlock()
	if theme != "" {
		SetTheme(theme)
	}

	a := &App{
		app:        tv,
		backend:    backend,
		config:     cfg,
		configPath: backend.GetConfigPath(),
		tabNames:   []string{TabChannels, TabWriter, TabServices, TabDebug},
		stopChan:   make(chan struct{}),
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	a.themeIndicator = tview.NewTextView().
		SetTextAlign(tview.AlignRight)
	a.updateThemeIndicator()

	a.pages = tview.NewPages()

	InitLogStore(1000)
	a.channelsTab = NewChannelsTab(a)
	a.writerTab = NewWriterTab(a)
	a.servicesTab = NewServicesTab(a)
	a.debugTab = NewDebugTab(a, GetLogStore())

	a.pages.AddPage(TabChannels, a.channelsTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabWriter, a.writerTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabServices, a.servicesTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	bottomBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.statusBar, 0, 1, false).
		AddItem(a.themeIndicator, 24, 0, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(bottomBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) isMainTab(page string) bool {
	for _, name := range a.tabNames {
		if page == name {
			return true
		}
	}
	return false
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// modals get every key
	frontPage, _ := a.pages.GetFrontPage()
	if !a.isMainTab(frontPage) {
		return event
	}

	switch {
	case event.Rune() == 'Q':
		a.Shutdown()
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.nextTab()
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	case event.Key() == tcell.KeyF6:
		themeName := NextTheme()
		a.updateTabsDisplay()
		a.updateThemeIndicator()
		a.refreshAllThemes()
		a.config.Lock()
		a.config.UI.Theme = themeName
		if a.configPath == "" {
			a.config.Unlock()
		} else if err := a.config.UnlockAndSave(a.configPath); err != nil {
			StoreLog("Failed to save theme: %v", err)
		}
		a.app.Sync()
		return nil
	}
	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.refreshCurrent()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	switch a.tabNames[a.currentTab] {
	case TabChannels:
		a.app.SetFocus(a.channelsTab.GetFocusable())
	case TabWriter:
		a.app.SetFocus(a.writerTab.GetFocusable())
	case TabServices:
		a.app.SetFocus(a.servicesTab.GetFocusable())
	case TabDebug:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) refreshCurrent() {
	switch a.tabNames[a.currentTab] {
	case TabChannels:
		a.channelsTab.Refresh()
	case TabWriter:
		a.writerTab.Refresh()
	case TabServices:
		a.servicesTab.Refresh()
	}
	a.debugTab.Refresh()
}

func (a *App) updateTabsDisplay() {
	th := CurrentTheme
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += th.TagTextDim + "  │  " + th.TagReset
		}
		if i == a.currentTab {
			text += th.TagHotkey + name + th.TagReset
		} else {
			text += th.TagTextDim + name + th.TagReset
		}
	}
	a.tabs.SetText(text)
	a.tabs.SetTextColor(th.Text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) updateThemeIndicator() {
	th := CurrentTheme
	a.themeIndicator.SetText("Theme (F6): " + GetThemeName() + " ")
	a.themeIndicator.SetTextColor(th.TextDim)
	if a.statusBar != nil {
		a.statusBar.SetTextColor(th.Text)
	}
}

func (a *App) showHelp() {
	const pageName = "help"

	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, textView, 45, 32)
}

// Run starts the TUI and blocks until it stops.
func (a *App) Run() error {
	bus := a.backend.GetEventBus()
	a.subID = bus.SubscribeTypes(a.onEvent,
		engine.EventRecordBatch,
		engine.EventWriteDone, engine.EventWriteFailed, engine.EventWriterState,
		engine.EventServiceStarted, engine.EventServiceStopped, engine.EventServiceFailed)

	a.channelsTab.Refresh()
	a.writerTab.Refresh()
	a.servicesTab.Refresh()
	a.debugTab.Refresh()

	go a.periodicRefresh()

	return a.app.Run()
}

// onEvent runs on the emitting goroutine and only queues redraws.
func (a *App) onEvent(e engine.Event) {
	switch e.Type {
	case engine.EventRecordBatch:
		a.app.QueueUpdateDraw(func() {
			if a.tabNames[a.currentTab] == TabChannels {
				a.channelsTab.Refresh()
			}
		})
	case engine.EventWriteDone, engine.EventWriteFailed:
		if ev, ok := e.Payload.(engine.WriteEvent); ok {
			a.writerTab.addWrite(ev, e.Timestamp)
		}
		a.app.QueueUpdateDraw(a.writerTab.Refresh)
	case engine.EventWriterState:
		a.app.QueueUpdateDraw(a.writerTab.Refresh)
	default:
		a.app.QueueUpdateDraw(a.servicesTab.Refresh)
	}
}

// periodicRefresh keeps counters and the log current between events.
func (a *App) periodicRefresh() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				frontPage, _ := a.pages.GetFrontPage()
				if !a.isMainTab(frontPage) {
					return
				}
				a.refreshCurrent()
			})
		}
	}
}

// Shutdown stops the UI. The engine is stopped by the caller.
func (a *App) Shutdown() {
	select {
	case <-a.stopChan:
		return
	default:
		close(a.stopChan)
	}
	a.backend.GetEventBus().Unsubscribe(a.subID)
	a.debugTab.Close()
	a.app.Stop()
}

// Done is closed once Shutdown has been called.
func (a *App) Done() <-chan struct{} { return a.stopChan }

// QueueUpdateDraw queues f to run on the UI goroutine.
func (a *App) QueueUpdateDraw(f func()) {
	a.app.QueueUpdateDraw(f)
}

func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

func (a *App) refreshAllThemes() {
	a.channelsTab.RefreshTheme()
	a.writerTab.RefreshTheme()
	a.servicesTab.RefreshTheme()
	a.debugTab.RefreshTheme()
	a.refreshCurrent()
}
