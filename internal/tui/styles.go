package tui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	TextColor      = lipgloss.Color("#F9FAFB")
	BorderColor    = lipgloss.Color("#6B7280")
	BlueColor      = lipgloss.Color("#60A5FA")

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	ContentBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	StatusBar = lipgloss.NewStyle().
			Foreground(TextColor).
			Padding(0, 1)

	ErrorMsg = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	Muted = lipgloss.NewStyle().Foreground(MutedColor)
)

// stateColors colors a pipeline state in the table and the counters.
var stateColors = map[string]lipgloss.Color{
	StateNew:        MutedColor,
	StateScoring:    BlueColor,
	StateScored:     SecondaryColor,
	StateFailed:     ErrorColor,
	StateTuning:     WarningColor,
	StateTuned:      PrimaryColor,
	StateTuneFailed: ErrorColor,
	StateTraining:   BlueColor,
	StateTrained:    SecondaryColor,
	StateTesting:    BlueColor,
	StateTested:     SecondaryColor,
}

// searchColors colors the search status badge.
var searchColors = map[string]lipgloss.Color{
	SearchConnecting: MutedColor,
	SearchRunning:    BlueColor,
	SearchDone:       SecondaryColor,
	SearchFailed:     ErrorColor,
	SearchFinished:   PrimaryColor,
}

func stateStyle(state string) lipgloss.Style {
	c, ok := stateColors[state]
	if !ok {
		c = TextColor
	}
	return lipgloss.NewStyle().Foreground(c)
}

func badge(status string) string {
	c, ok := searchColors[status]
	if !ok {
		c = MutedColor
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#111827")).
		Background(c).
		Padding(0, 1).
		Render(status)
}
