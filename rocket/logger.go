package rocket

import (
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry = logrus.NewEntry(logrus.New())

func SetLogger(l *logrus.Entry) {
	logger = l
}
