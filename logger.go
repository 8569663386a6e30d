package vrrp

import (
	"github.com/sirupsen/logrus"
)

// logger is shared by every virtual router of the process. Entries are
// tagged with the router they concern, see routerLog.
var logger = logrus.New()

func SetLogLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// SetLogger replaces the package logger, e.g. with one carrying file hooks.
// It must be called before any virtual router is started.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

func routerLog(vrid byte, iface string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"vrid":      vrid,
		"interface": iface,
	})
}
