package theme

import (
	"github.com/charmbracelet/lipgloss"
)

// Theme colors terminal output from a palette
type Theme struct {
	Palette *Palette
	plain   bool
}

// New creates a theme; a nil palette selects Plasma
func New(palette *Palette) *Theme {
	if palette == nil {
		palette = Plasma
	}
	return &Theme{Palette: palette}
}

// Plain returns a theme that renders text unstyled
func Plain() *Theme {
	return &Theme{Palette: Plasma, plain: true}
}

// Color roles mapped to palette positions (0-1)
const (
	RoleMuted   = 0.15
	RoleLabel   = 0.45
	RoleOp      = 0.6
	RoleError   = 0.7
	RoleWarning = 0.85
	RoleSuccess = 1.0
)

// Color returns lipgloss color for any normalized value 0-1
func (t *Theme) Color(norm float64) lipgloss.Color {
	return lipgloss.Color(t.Palette.Lookup(norm).Hex())
}

// Style returns the foreground style for a role
func (t *Theme) Style(role float64) lipgloss.Style {
	if t.plain {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(t.Color(role))
}

func (t *Theme) Muted(s string) string   { return t.Style(RoleMuted).Render(s) }
func (t *Theme) Label(s string) string   { return t.Style(RoleLabel).Bold(!t.plain).Render(s) }
func (t *Theme) Op(s string) string      { return t.Style(RoleOp).Render(s) }
func (t *Theme) Warning(s string) string { return t.Style(RoleWarning).Render(s) }
func (t *Theme) Success(s string) string { return t.Style(RoleSuccess).Render(s) }

func (t *Theme) Error(s string) string {
	return t.Style(RoleError).Bold(!t.plain).Render(s)
}
