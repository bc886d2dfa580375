//go:build windows

package provider

import "os"

// Windows 不支持向子进程发送 os.Interrupt
func interrupt(p *os.Process) error {
	return p.Kill()
}
