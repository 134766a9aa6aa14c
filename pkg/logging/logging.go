package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by all server components. It is
// satisfied by *logrus.Logger and by the entries derived from it.
type Logger interface {
	logrus.FieldLogger
}

// Component derives a logger tagged with a component name so that log lines
// from the reactor, the CGI gateway and the config loader can be told apart.
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
