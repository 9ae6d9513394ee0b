package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func colorize(attr color.Attribute, text string) string {
	c := color.New(attr)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.Sprint(text)
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color.FgGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color.FgRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color.FgYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(color.Bold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color.FgCyan, "→ "+fmt.Sprintf(format, args...)))
}
