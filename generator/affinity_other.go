//go:build !linux

package generator

import "errors"

func pinToCPU(int) error {
	return errors.New("cpu pinning is only supported on linux")
}
