package provider

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"testing"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/service/tunnel"
)

func TestSameExecutable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		running, command string
		want             bool
	}{
		{"ss-local", "/usr/bin/ss-local", true},
		{"SS-LOCAL.EXE", `C:\tools\ss-local.exe`, true},
		// Linux comm 截断到 15 个字符
		{"tunnelmgr-daemo", "/opt/tunnelmgr-daemon", true},
		{"bash", "/usr/bin/ss-local", false},
		{"ss", "/usr/bin/ss-local", false},
	}
	for _, c := range cases {
		if got := sameExecutable(c.running, c.command); got != c.want {
			t.Fatalf("sameExecutable(%q, %q) = %v, want %v", c.running, c.command, got, c.want)
		}
	}
}

func TestLoadIgnoresStalePIDFile(t *testing.T) {
	t.Parallel()

	p := newTestProcess(t, "/usr/bin/ss-local")
	h := p.Create(tunnel.Registration{Enabled: true})
	if err := h.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(p.pidPath(), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	fresh := NewProcess(p.opts)
	loaded, err := fresh.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status() != tunnel.NativeDisconnected {
		t.Fatalf("status = %s, want disconnected", loaded.Status())
	}
	if _, err := os.Stat(p.pidPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale pid file should be removed, stat err = %v", err)
	}
}

func TestLoadAdoptsRunningDaemon(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX sleep")
	}
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	t.Parallel()

	// 模拟上一次运行留下的守护进程
	daemon := exec.Command(sleepPath, "30")
	if err := daemon.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	reaped := make(chan struct{})
	go func() {
		_ = daemon.Wait()
		close(reaped)
	}()
	t.Cleanup(func() {
		_ = daemon.Process.Kill()
		<-reaped
	})

	p := newTestProcess(t, sleepPath, "30")
	h := p.Create(tunnel.Registration{Enabled: true})
	if err := h.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(p.pidPath(), []byte(strconv.Itoa(daemon.Process.Pid)), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	fresh := NewProcess(p.opts)
	loaded, err := fresh.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status() != tunnel.NativeConnected {
		t.Fatalf("status = %s, want connected", loaded.Status())
	}
	if tunnel.MapStatus(loaded.Status()) != domain.TunnelOn {
		t.Fatalf("adopted daemon should map to on")
	}
	if _, err := loaded.SendMessage(context.Background(), []byte("Hello")); !errors.Is(err, ErrNoMessageChannel) {
		t.Fatalf("expected ErrNoMessageChannel, got %v", err)
	}
	// 已接管时启动是空操作
	if err := loaded.StartTunnel(nil); err != nil {
		t.Fatalf("StartTunnel on adopted daemon: %v", err)
	}

	loaded.StopTunnel()
	waitStatus(t, loaded, tunnel.NativeDisconnected)
}
