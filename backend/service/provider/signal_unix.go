//go:build !windows

package provider

import "os"

func interrupt(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
