package executor

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/alpacahq/txlog/utils/log"
)

var (
	// ErrRecoveryEnvironmentChanged is returned when the log changed under
	// recovery after the tail scan validated it.
	ErrRecoveryEnvironmentChanged = errors.New("transaction log changed during recovery")
	ErrNotRecovered               = errors.New("transaction log requires recovery")
	ErrLogClosed                  = errors.New("transaction log closed")
	ErrEmptyBatch                 = errors.New("empty transaction batch")
)

type IncompatibleStoreError string

func (msg IncompatibleStoreError) Error() string {
	return errReport("%s: log files belong to a different store", string(msg))
}

type UnrecoverableLogError string

func (msg UnrecoverableLogError) Error() string {
	return errReport("%s: transaction log cannot be recovered", string(msg))
}

func errReport(base string, msg string) string {
	_, file, line, _ := runtime.Caller(2)
	base = fmt.Sprintf("%s:%d:", file, line) + base
	log.Error(base, msg)
	return fmt.Sprintf(base, msg)
}
