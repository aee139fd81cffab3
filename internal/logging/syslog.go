// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !windows && !plan9 && !nacl

package logging

import (
	"log/syslog"

	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
)

const syslogTag = "bidistat"

// newSyslogHook forwards warnings and errors to the local syslog daemon or
// to a remote one over UDP
func newSyslogHook(target string) (logrus.Hook, error) {
	if target == "local" {
		return logrus_syslog.NewSyslogHook("", "", syslog.LOG_WARNING, syslogTag)
	}
	return logrus_syslog.NewSyslogHook("udp", target, syslog.LOG_WARNING, syslogTag)
}
