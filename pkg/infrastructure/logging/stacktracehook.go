package logging

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const stackKey = "stack"

func NewStackTraceHook() logrus.Hook {
	return &stackTraceHook{}
}

type stackTraceHook struct{}

func (hook stackTraceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook stackTraceHook) Fire(entry *logrus.Entry) error {
	val, ok := entry.Data[logrus.ErrorKey]
	if !ok {
		return nil
	}

	err, ok := val.(error)
	if !ok {
		return nil
	}

	if err == nil {
		delete(entry.Data, logrus.ErrorKey)
		return nil
	}

	if t := deepestStackTracer(err); t != nil {
		entry.Data[stackKey] = strings.ReplaceAll(fmt.Sprintf("%+v", t.StackTrace()), " ", "\n")
	}
	entry.Data[logrus.ErrorKey] = err.Error()

	return nil
}

// deepestStackTracer returns the innermost error carrying a stack,
// it points closest to where the failure happened.
func deepestStackTracer(err error) stackTracer {
	var found stackTracer
	for err != nil {
		if t, ok := err.(stackTracer); ok {
			found = t
		}
		err = stderrors.Unwrap(err)
	}
	return found
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}
