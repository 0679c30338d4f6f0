// Package tui provides the terminal monitor for optolink: live channel
// values, the register writer, service status and the log.
package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Theme holds the colors used by every tab. The Tag* fields are tview
// color tags for dynamic-color text views.
type Theme struct {
	Name    string
	Text    tcell.Color
	TextDim tcell.Color
	Accent  tcell.Color
	Border  tcell.Color
	Good    tcell.Color
	Bad     tcell.Color

	TagText    string
	TagTextDim string
	TagAccent  string
	TagHotkey  string
	TagGood    string
	TagBad     string
	TagWarn    string
	TagReset   string
}

var themes = []Theme{
	{
		Name: "default", Text: tcell.ColorWhite, TextDim: tcell.ColorGray, Accent: tcell.ColorYellow,
		Border: tcell.ColorSteelBlue, Good: tcell.ColorGreen, Bad: tcell.ColorRed,
		TagText: "[white]", TagTextDim: "[gray]", TagAccent: "[#FFD700]", TagHotkey: "[#FFD700::b]",
		TagGood: "[green]", TagBad: "[red]", TagWarn: "[yellow]", TagReset: "[-:-:-]",
	},
	{
		Name: "mono", Text: tcell.ColorWhite, TextDim: tcell.ColorSilver, Accent: tcell.ColorWhite,
		Border: tcell.ColorWhite, Good: tcell.ColorWhite, Bad: tcell.ColorWhite,
		TagText: "[white]", TagTextDim: "[silver]", TagAccent: "[#FFFFFF]", TagHotkey: "[::b]",
		TagGood: "[white]", TagBad: "[white::r]", TagWarn: "[white::u]", TagReset: "[-:-:-]",
	},
	{
		Name: "amber", Text: tcell.NewHexColor(0xFFB000), TextDim: tcell.NewHexColor(0x996A00), Accent: tcell.NewHexColor(0xFFCC00),
		Border: tcell.NewHexColor(0x996A00), Good: tcell.NewHexColor(0xFFCC00), Bad: tcell.ColorRed,
		TagText: "[#FFB000]", TagTextDim: "[#996A00]", TagAccent: "[#FFCC00]", TagHotkey: "[#FFCC00::b]",
		TagGood: "[#FFCC00]", TagBad: "[red]", TagWarn: "[#FF8800]", TagReset: "[-:-:-]",
	},
}

// CurrentTheme is the active theme.
var CurrentTheme = themes[0]

// SetTheme selects a theme by name; unknown names keep the current one.
func SetTheme(name string) {
	for _, th := range themes {
		if strings.EqualFold(th.Name, name) {
			CurrentTheme = th
			return
		}
	}
}

// NextTheme cycles to the next theme and returns its name.
func NextTheme() string {
	for i, th := range themes {
		if th.Name == CurrentTheme.Name {
			CurrentTheme = themes[(i+1)%len(themes)]
			break
		}
	}
	return CurrentTheme.Name
}

func GetThemeName() string { return CurrentTheme.Name }

// Status indicators
func indicator(ok bool) string {
	if ok {
		return CurrentTheme.TagGood + "●" + CurrentTheme.TagReset
	}
	return CurrentTheme.TagTextDim + "○" + CurrentTheme.TagReset
}

// Tab labels
const (
	TabChannels = "Channels"
	TabWriter   = "Writer"
	TabServices = "Services"
	TabDebug    = "Log"
)

// HelpText is shown by '?'.
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch tabs
   Tab          Move between fields
   Enter        Select / Activate
   Escape       Close dialog
   ?            Show this help
   F6           Cycle theme

 Writer Tab
   Enter        Send the write
   c            Connect now

 Services Tab
   s            Start selected
   S            Stop selected

 Log Tab
   c            Clear
   g / G        Top / bottom

 Application
   Q            Quit
`
