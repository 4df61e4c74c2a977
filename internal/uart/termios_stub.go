//go:build !linux

package uart

import "fmt"

func OpenTermios(path string, baud int) (Port, error) {
	return nil, fmt.Errorf("termios uart not supported on this platform")
}
