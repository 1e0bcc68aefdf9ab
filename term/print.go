// Package term prints leveled, colored output to the terminal.
package term

import "github.com/pterm/pterm"

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var lvl = LevelInfo

func SetLevel(level Level) {
	lvl = level
}

func print(level Level, color pterm.Color, a ...interface{}) {
	if lvl > level {
		return
	}
	color.Println(a...)
}

func printf(level Level, color pterm.Color, format string, a ...interface{}) {
	if lvl > level {
		return
	}
	color.Printfln(format, a...)
}

func Debug(a ...interface{}) {
	print(LevelDebug, pterm.FgLightCyan, a...)
}

func Debugf(format string, a ...interface{}) {
	printf(LevelDebug, pterm.FgLightCyan, format, a...)
}

func Info(a ...interface{}) {
	print(LevelInfo, pterm.FgLightGreen, a...)
}

func Infof(format string, a ...interface{}) {
	printf(LevelInfo, pterm.FgLightGreen, format, a...)
}

func Warn(a ...interface{}) {
	print(LevelWarn, pterm.FgYellow, a...)
}

func Warnf(format string, a ...interface{}) {
	printf(LevelWarn, pterm.FgYellow, format, a...)
}

func Error(a ...interface{}) {
	print(LevelError, pterm.FgLightRed, a...)
}

func Errorf(format string, a ...interface{}) {
	printf(LevelError, pterm.FgLightRed, format, a...)
}
