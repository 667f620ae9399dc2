package taskflow

import (
	"io"

	"github.com/sirupsen/logrus"
)

// componentLogger tags l with the component name, falling back to a
// discarding logger so library users are not forced to configure logging.
func componentLogger(l logrus.FieldLogger, name string) logrus.FieldLogger {
	if l == nil {
		nl := logrus.New()
		nl.SetOutput(io.Discard)
		l = nl
	}
	return l.WithField("component", name)
}
