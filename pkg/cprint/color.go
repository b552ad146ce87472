// Package cprint narrates clone progress to the terminal: one colored line
// per create/update/delete, with stderr reserved for warnings so stdout
// stays clean when a caller redirects it to a file.
package cprint

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/itwin/imodel-sync/pkg/crud"
)

var (
	// mu is used to synchronize writes from multiple goroutines.
	mu sync.Mutex
	// DisableOutput disables all output.
	DisableOutput bool
)

func conditionalPrintf(fn func(string, ...interface{}), format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(format, a...)
}

func conditionalPrintln(fn func(...interface{}), a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(a...)
}

func conditionalPrintlnCustomWriter(fn func(io.Writer, ...interface{}), w io.Writer, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(w, a...)
}

func conditionalPrintfCustomWriter(fn func(io.Writer, string, ...interface{}), w io.Writer, format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(w, format, a...)
}

var (
	createPrintf  = color.New(color.FgGreen).PrintfFunc()
	deletePrintf  = color.New(color.FgRed).PrintfFunc()
	updatePrintf  = color.New(color.FgYellow).PrintfFunc()
	updateFprintf = color.New(color.FgYellow).FprintfFunc()

	// CreatePrintf is fmt.Printf with green as foreground color.
	CreatePrintf = func(format string, a ...interface{}) {
		conditionalPrintf(createPrintf, format, a...)
	}

	// DeletePrintf is fmt.Printf with red as foreground color.
	DeletePrintf = func(format string, a ...interface{}) {
		conditionalPrintf(deletePrintf, format, a...)
	}

	// UpdatePrintf is fmt.Printf with yellow as foreground color.
	UpdatePrintf = func(format string, a ...interface{}) {
		conditionalPrintf(updatePrintf, format, a...)
	}

	// UpdatePrintfStdErr is fmt.Printf with yellow as foreground color,
	// written to stderr.
	UpdatePrintfStdErr = func(format string, a ...interface{}) {
		conditionalPrintfCustomWriter(updateFprintf, os.Stderr, format, a...)
	}

	createPrintln  = color.New(color.FgGreen).PrintlnFunc()
	deletePrintln  = color.New(color.FgRed).PrintlnFunc()
	updatePrintln  = color.New(color.FgYellow).PrintlnFunc()
	bluePrintln    = color.New(color.BgBlue).PrintlnFunc()
	updateFprintln = color.New(color.FgYellow).FprintlnFunc()

	// CreatePrintln is fmt.Println with green as foreground color.
	CreatePrintln = func(a ...interface{}) {
		conditionalPrintln(createPrintln, a...)
	}

	// DeletePrintln is fmt.Println with red as foreground color.
	DeletePrintln = func(a ...interface{}) {
		conditionalPrintln(deletePrintln, a...)
	}

	// UpdatePrintln is fmt.Println with yellow as foreground color.
	UpdatePrintln = func(a ...interface{}) {
		conditionalPrintln(updatePrintln, a...)
	}

	BluePrintLn = func(a ...interface{}) {
		conditionalPrintln(bluePrintln, a...)
	}

	// UpdatePrintlnStdErr is fmt.Println with yellow as foreground color.
	// It prints to stderr, instead of stdout
	UpdatePrintlnStdErr = func(a ...interface{}) {
		conditionalPrintlnCustomWriter(updateFprintln, os.Stderr, a...)
	}
)

// NarrateEvent prints one line describing a crud.Event as it is applied,
// colored by its Op: the Op's sign, the Kind, then detail, e.g.
// "+ e e1a2b3" for an Element create with detail "e1a2b3".
func NarrateEvent(ev crud.Event, detail string) {
	line := fmt.Sprintf("%s %s", ev.Kind, detail)
	switch ev.Op {
	case crud.Create:
		CreatePrintln("+", line)
	case crud.Update:
		UpdatePrintln("~", line)
	case crud.Delete:
		DeletePrintln("-", line)
	}
}
