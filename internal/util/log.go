// Package util provides shared logging helpers.
package util

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

const timeFormat = "02 Jan 15:04:05"

// successPrinter marks milestones (relay up, call connected) apart from
// plain info lines.
var successPrinter = &pterm.Success

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = timeFormat
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging on pterm's default logger, except LogSuccess which uses
// the SUCCESS prefix printer with the same time stamp.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	successPrinter.Printfln("%s %s", time.Now().Format(timeFormat), fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Tagged prefixes every line with "[tag] ". Used for per-call log lines
// so interleaved sessions stay readable.
type Tagged string

// Tag returns a Tagged logger for id, shortened with ShortID.
func Tag(id string) Tagged { return Tagged(ShortID(id)) }

func (t Tagged) Debug(format string, args ...interface{}) {
	LogDebug("[%s] %s", string(t), fmt.Sprintf(format, args...))
}

func (t Tagged) Info(format string, args ...interface{}) {
	LogInfo("[%s] %s", string(t), fmt.Sprintf(format, args...))
}

func (t Tagged) Warn(format string, args ...interface{}) {
	LogWarning("[%s] %s", string(t), fmt.Sprintf(format, args...))
}

func (t Tagged) Error(format string, args ...interface{}) {
	LogError("[%s] %s", string(t), fmt.Sprintf(format, args...))
}
