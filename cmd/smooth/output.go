package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"

	smooth "github.com/circlemind-ai/smooth-go"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

var statusStyles = map[smooth.TaskStatus]lipgloss.Style{
	smooth.StatusWaiting:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	smooth.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
	smooth.StatusDone:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	smooth.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	smooth.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
}

func disableColors() {
	color.NoColor = true
}

func errorLine(msg string) string {
	return red("error: ") + msg
}

func statusBadge(s smooth.TaskStatus) string {
	if style, ok := statusStyles[s]; ok && isTTY() && !color.NoColor {
		return style.Render(string(s))
	}
	return string(s)
}

// printJSON writes v as indented JSON; used by every command under --json.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderMarkdown renders agent output for the terminal; outside a TTY the
// text passes through untouched.
func renderMarkdown(content string) string {
	if !isTTY() || color.NoColor {
		return content
	}
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}

func printResult(resp *smooth.TaskResponse) error {
	if flagJSON {
		return printJSON(resp)
	}
	fmt.Printf("%s %s\n", bold("task"), resp.ID)
	fmt.Printf("%s %s\n", bold("status"), statusBadge(resp.Status))
	if resp.Output != nil {
		if text, ok := resp.Output.(string); ok {
			fmt.Print(renderMarkdown(text))
		} else {
			raw, err := json.MarshalIndent(resp.Output, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
		}
	}
	if resp.CreditsUsed > 0 {
		fmt.Printf("%s %.2f\n", gray("credits"), resp.CreditsUsed)
	}
	return nil
}
