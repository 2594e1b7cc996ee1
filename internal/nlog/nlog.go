// Package nlog is the LRS-wide logger. It mirrors the teacher's hand-rolled
// cmn/nlog: a thin, verbosity-gated wrapper around the standard library's
// log package rather than a third-party logging framework — the teacher
// itself never reaches for logrus/zap/zerolog for this concern, so neither
// do we (see DESIGN.md).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Per-module verbosity identifiers, mirroring cmn/cos.Smodule* in the teacher.
const (
	SmoduleLRS = iota
	SmoduleSched
	SmoduleDevice
	SmoduleLock
	SmoduleSync
	SmoduleRouter
	SmoduleDSS
)

var (
	std       = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	verbosity int32
)

// SetOutput redirects the log sink, e.g. to a rotated file opened by the
// daemon at startup.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetVerbosity sets the global verbosity level used by FastV.
func SetVerbosity(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// FastV reports whether logging at level for the given module is enabled.
// The module argument is accepted (and ignored past the global level) today
// so call sites can later be upgraded to per-module verbosity without
// changing every call site — mirrors cmn.Rom.FastV(level, module).
func FastV(level int, _ int) bool {
	return atomic.LoadInt32(&verbosity) >= int32(level)
}

func Infoln(args ...any)                 { std.Output(2, "I "+fmt.Sprintln(args...)) } //nolint:errcheck
func Infof(format string, args ...any)   { std.Output(2, "I "+fmt.Sprintf(format, args...)+"\n") } //nolint:errcheck
func Warningln(args ...any)              { std.Output(2, "W "+fmt.Sprintln(args...)) } //nolint:errcheck
func Warningf(format string, args ...any) { std.Output(2, "W "+fmt.Sprintf(format, args...)+"\n") } //nolint:errcheck
func Errorln(args ...any)                { std.Output(2, "E "+fmt.Sprintln(args...)) } //nolint:errcheck
func Errorf(format string, args ...any)  { std.Output(2, "E "+fmt.Sprintf(format, args...)+"\n") } //nolint:errcheck
