// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"

	"grimm.is/sockd/internal/errors"
)

// SyslogConfig configures remote syslog delivery, the equivalent of
// dante's logoutput "syslog" destination (spec.md §4.7/§6).
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns a disabled config with dante-style defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "sockd",
		Facility: syslog.LOG_USER,
	}
}

// NewSyslogWriter dials a remote syslog daemon and returns an io.Writer
// sockd's Config can attach to a Logger's Output.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, errors.Errorf(errors.KindValidation, "syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "sockd"
	}

	w, err := syslog.Dial(cfg.Protocol, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), cfg.Facility, cfg.Tag)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "dial syslog")
	}
	return w, nil
}
