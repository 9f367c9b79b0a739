// Package clog is the logging front end for the emulator core.
//
// Call sites tag each line with a class so a frontend can filter kernel
// noise from service noise. The default sink writes to the standard
// library logger; hosts install their own sink with SetSink.
package clog

import (
	"fmt"
	"log"
)

// Level orders log severity.
type Level uint8

const (
	Trace Level = iota
	Debug
	Info
	Warning
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "Trace"
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Class names the subsystem a line originates from.
type Class string

const (
	Kernel       Class = "Kernel"
	KernelSVC    Class = "Kernel.SVC"
	DebugEmulated Class = "Debug.Emulated"
)

// Sink receives formatted log lines.
type Sink interface {
	WriteLine(level Level, class Class, line string)
}

type stdSink struct{}

func (stdSink) WriteLine(level Level, class Class, line string) {
	log.Printf("[%s] <%s> %s", class, level, line)
}

var (
	sink     Sink  = stdSink{}
	minLevel Level = Info
)

// SetSink replaces the output sink.
func SetSink(s Sink) {
	if s != nil {
		sink = s
	}
}

// SetMinLevel drops lines below the given level.
func SetMinLevel(l Level) { minLevel = l }

// Log formats and emits one line.
func Log(level Level, class Class, format string, args ...any) {
	if level < minLevel {
		return
	}
	sink.WriteLine(level, class, fmt.Sprintf(format, args...))
}

func Tracef(class Class, format string, args ...any)    { Log(Trace, class, format, args...) }
func Debugf(class Class, format string, args ...any)    { Log(Debug, class, format, args...) }
func Infof(class Class, format string, args ...any)     { Log(Info, class, format, args...) }
func Warningf(class Class, format string, args ...any)  { Log(Warning, class, format, args...) }
func Errorf(class Class, format string, args ...any)    { Log(Error, class, format, args...) }
func Criticalf(class Class, format string, args ...any) { Log(Critical, class, format, args...) }
