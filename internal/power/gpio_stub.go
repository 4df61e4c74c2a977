//go:build !linux

package power

import "fmt"

func openLine(name string, initial int) (Line, error) {
	return nil, fmt.Errorf("power: gpio unsupported on this platform")
}

var openLineFn = openLine
