//go:build windows

package fslock

import (
	"errors"
	"os"
)

func lock(*os.File, bool) error {
	return errors.ErrUnsupported
}

func unlock(*os.File) error {
	return nil
}
