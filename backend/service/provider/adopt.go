package provider

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ps "github.com/mitchellh/go-ps"

	"tunnelmgr/backend/service/shared"
	"tunnelmgr/backend/service/tunnel"
)

// 接管的守护进程没有 stdin，消息无处可发
var ErrNoMessageChannel = errors.New("adopted tunnel daemon has no message channel")

const adoptPollInterval = time.Second

// pidPath 守护进程 PID 文件，与注册文件放在一起
func (p *Process) pidPath() string {
	return filepath.Join(filepath.Dir(p.opts.RegistrationPath), "tunnel.pid")
}

func (p *Process) writePID(pid int) {
	if err := shared.WriteAtomic(p.pidPath(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		log.Printf("[Provider] write pid file failed: %v", err)
	}
}

func (p *Process) removePID() {
	if err := os.Remove(p.pidPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Provider] remove pid file failed: %v", err)
	}
}

// findDaemon 查找上次运行留下的守护进程（控制进程重启而隧道仍在运行）
func (p *Process) findDaemon() (int, bool) {
	data, err := os.ReadFile(p.pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		p.removePID()
		return 0, false
	}
	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		p.removePID()
		return 0, false
	}
	if len(p.opts.Command) > 0 && !sameExecutable(proc.Executable(), p.opts.Command[0]) {
		// PID 已被其他程序复用
		log.Printf("[Provider] pid %d now belongs to %q, not adopting", pid, proc.Executable())
		p.removePID()
		return 0, false
	}
	return pid, true
}

// sameExecutable Linux 的进程名最多 15 个字符，按前缀比较
func sameExecutable(running, command string) bool {
	norm := func(s string) string {
		return strings.TrimSuffix(strings.ToLower(filepath.Base(s)), ".exe")
	}
	a, b := norm(running), norm(command)
	if a == b {
		return true
	}
	return len(a) >= 15 && strings.HasPrefix(b, a)
}

// adopt 接管已在运行的守护进程，状态直接为 Connected
func (h *processHandle) adopt(pid int) {
	h.mu.Lock()
	h.adoptedPID = pid
	h.mu.Unlock()
	log.Printf("[Provider] adopted running daemon, PID: %d", pid)
	h.setStatus(tunnel.NativeConnected)
	go h.watchAdopted(pid)
}

// watchAdopted 不是子进程无法 Wait，只能轮询
func (h *processHandle) watchAdopted(pid int) {
	ticker := time.NewTicker(adoptPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		proc, err := ps.FindProcess(pid)
		if err == nil && proc != nil {
			continue
		}
		h.mu.Lock()
		current := h.adoptedPID == pid
		if current {
			h.adoptedPID = 0
		}
		h.mu.Unlock()
		if current {
			log.Printf("[Provider] adopted daemon %d exited", pid)
			h.provider.removePID()
			h.setStatus(tunnel.NativeDisconnected)
		}
		return
	}
}

func (h *processHandle) stopAdopted(pid int) {
	h.setStatus(tunnel.NativeDisconnecting)
	proc, err := os.FindProcess(pid)
	if err != nil {
		log.Printf("[Provider] find adopted daemon %d failed: %v", pid, err)
		return
	}
	if err := interrupt(proc); err != nil {
		log.Printf("[Provider] interrupt adopted daemon failed: %v", err)
		_ = proc.Kill()
		return
	}
	timeout := h.provider.opts.StopTimeout
	go func() {
		time.Sleep(timeout)
		if p, _ := ps.FindProcess(pid); p != nil {
			log.Printf("[Provider] adopted daemon %d did not exit in %s, killing", pid, timeout)
			_ = proc.Kill()
		}
	}()
}
