// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides a leveled logging backend based around the go-logging
// package, with one logger per module.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const fmtString = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend.
type Backend struct {
	logging.LeveledBackend
	sync.Mutex

	w io.WriteCloser
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// New initializes a logging backend.  If file is the empty string, logs are
// written to stderr.  If disable is set, all output is discarded.
func New(file string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	var w io.Writer
	switch {
	case disable:
		w = io.Discard
	case file == "":
		w = os.Stderr
	default:
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("log: failed to open log file: %v", err)
		}
		b.w = f
		w = f
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtString))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.LeveledBackend = leveled

	return b, nil
}

// NewWithWriter initializes a logging backend that writes to w, at the
// provided level.  It is intended for use in tests.
func NewWithWriter(w io.Writer, level string) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtString))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.LeveledBackend = leveled

	return b, nil
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
