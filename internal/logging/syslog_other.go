// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build windows || plan9 || nacl

package logging

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func newSyslogHook(string) (logrus.Hook, error) {
	return nil, errors.New("syslog is not available on this platform")
}
