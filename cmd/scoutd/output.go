package main

import (
	"fmt"
	"os"
)

// ANSI escape codes. colorize drops them when --no-color is set.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// stderrLine prints one colored, glyph-prefixed line. Status output goes to
// stderr so stdout carries only command results.
func stderrLine(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, glyph+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { stderrLine(colorGreen, "✓ ", format, args...) }

func printError(format string, args ...any) { stderrLine(colorRed, "✗ ", format, args...) }

func printWarning(format string, args ...any) { stderrLine(colorYellow, "⚠ ", format, args...) }

func printStep(format string, args ...any) { stderrLine(colorCyan, "→ ", format, args...) }

// printStatus prints an indented "label: value" line with a bold label.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
