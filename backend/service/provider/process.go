// Package provider 用本地守护进程实现隧道注册（桌面环境下的 tunnel.Provider）。
//
// 注册信息以 YAML 保存在共享目录；启动即拉起配置的守护进程命令，
// 进程退出即视为 Disconnected。状态回调总是在新的 goroutine 上触发。
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tunnelmgr/backend/service/shared"
	"tunnelmgr/backend/service/tunnel"
)

var (
	ErrNoCommand  = errors.New("tunnel daemon command not configured")
	ErrNotRunning = errors.New("tunnel daemon not running")
)

const defaultReadyDelay = 300 * time.Millisecond

// Options 进程型提供方配置
type Options struct {
	// RegistrationPath 注册文件（YAML）
	RegistrationPath string
	// Command 守护进程命令，第一个元素为可执行文件
	Command []string
	// RootDir 通过 TUNNELMGR_ROOT 传给守护进程，守护进程从这里读生成的配置
	RootDir string
	// ReadyDelay 进程存活多久后上报 Connected
	ReadyDelay time.Duration
	// StopTimeout 发出中断信号后等待退出的时间，超时强杀
	StopTimeout time.Duration
}

// registrationFile 注册文件内容
type registrationFile struct {
	ID           string              `yaml:"id"`
	Registration tunnel.Registration `yaml:"registration"`
	SavedAt      time.Time           `yaml:"savedAt"`
}

// Process 进程型提供方
type Process struct {
	opts Options

	mu     sync.Mutex
	handle *processHandle
}

// NewProcess 创建提供方
func NewProcess(opts Options) *Process {
	if opts.ReadyDelay <= 0 {
		opts.ReadyDelay = defaultReadyDelay
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Process{opts: opts}
}

// Load 读取已保存的注册；注册文件不存在时返回 (nil, nil)。
// 同一进程内重复 Load 返回同一个 handle，保持运行状态。
func (p *Process) Load(ctx context.Context) (tunnel.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := readRegistration(p.opts.RegistrationPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if p.handle != nil && p.handle.saved {
				// 文件被外部删除：已有 handle 视为失效
				p.handle.markInvalid()
			}
			return nil, nil
		}
		return nil, err
	}

	fresh := p.handle == nil || p.handle.id != file.ID
	if fresh {
		p.handle = newProcessHandle(p, file.ID)
	}
	p.handle.applySaved(file.Registration)
	if fresh {
		if pid, ok := p.findDaemon(); ok {
			p.handle.adopt(pid)
		}
	}
	return p.handle, nil
}

// Create 构造尚未保存的注册
func (p *Process) Create(reg tunnel.Registration) tunnel.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := newProcessHandle(p, uuid.NewString())
	h.reg = reg
	p.handle = h
	return h
}

func readRegistration(path string) (registrationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registrationFile{}, err
	}
	var file registrationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return registrationFile{}, fmt.Errorf("parse registration: %w", err)
	}
	if file.ID == "" {
		return registrationFile{}, fmt.Errorf("parse registration: missing id")
	}
	return file, nil
}

func writeRegistration(path string, file registrationFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	return shared.WriteAtomic(path, data, 0o600)
}

// processHandle 单个注册与其守护进程
type processHandle struct {
	provider *Process
	id       string

	mu     sync.Mutex
	reg    tunnel.Registration
	saved  bool
	status tunnel.NativeStatus
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	// writeMu 串行化对 stdin 的写入
	writeMu sync.Mutex
	// adoptedPID 接管的（非子进程）守护进程
	adoptedPID int

	subMu   sync.Mutex
	subs    map[uint64]func(tunnel.NativeStatus)
	nextSub uint64
}

func newProcessHandle(p *Process, id string) *processHandle {
	return &processHandle{
		provider: p,
		id:       id,
		status:   tunnel.NativeInvalid,
		subs:     make(map[uint64]func(tunnel.NativeStatus)),
	}
}

func (h *processHandle) ID() string { return h.id }

func (h *processHandle) Status() tunnel.NativeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *processHandle) Registration() tunnel.Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg
}

func (h *processHandle) Configure(reg tunnel.Registration) {
	h.mu.Lock()
	h.reg = reg
	h.mu.Unlock()
}

func (h *processHandle) Save(_ context.Context) error {
	h.mu.Lock()
	file := registrationFile{ID: h.id, Registration: h.reg, SavedAt: time.Now()}
	h.mu.Unlock()

	if err := writeRegistration(h.provider.opts.RegistrationPath, file); err != nil {
		return err
	}
	h.mu.Lock()
	h.saved = true
	if h.status == tunnel.NativeInvalid {
		h.status = tunnel.NativeDisconnected
	}
	h.mu.Unlock()
	log.Printf("[Provider] registration %s saved", h.id)
	return nil
}

func (h *processHandle) Reload(_ context.Context) error {
	file, err := readRegistration(h.provider.opts.RegistrationPath)
	if err != nil {
		return err
	}
	if file.ID != h.id {
		return fmt.Errorf("registration replaced by %s", file.ID)
	}
	h.applySaved(file.Registration)
	return nil
}

func (h *processHandle) applySaved(reg tunnel.Registration) {
	h.mu.Lock()
	h.reg = reg
	h.saved = true
	if h.status == tunnel.NativeInvalid {
		h.status = tunnel.NativeDisconnected
	}
	h.mu.Unlock()
}

func (h *processHandle) markInvalid() {
	h.setStatus(tunnel.NativeInvalid)
}

// StartTunnel 拉起守护进程：Connecting → （存活 ReadyDelay 后）Connected
func (h *processHandle) StartTunnel(_ tunnel.StartOptions) error {
	opts := h.provider.opts
	if len(opts.Command) == 0 {
		return ErrNoCommand
	}

	h.mu.Lock()
	if !h.reg.Enabled {
		h.mu.Unlock()
		return errors.New("registration disabled")
	}
	if h.cmd != nil || h.adoptedPID != 0 {
		h.mu.Unlock()
		return nil
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = append(os.Environ(), shared.EnvRootDir+"="+opts.RootDir)
	if opts.RootDir != "" {
		cmd.Dir = opts.RootDir
	}
	logFile, logErr := openDaemonLog(opts.RootDir)
	if logErr == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.mu.Unlock()
		closeQuietly(logFile)
		return err
	}
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		closeQuietly(logFile)
		return fmt.Errorf("start daemon: %w", err)
	}
	h.cmd = cmd
	h.stdin = stdin
	h.mu.Unlock()

	log.Printf("[Provider] daemon started, PID: %d", cmd.Process.Pid)
	h.provider.writePID(cmd.Process.Pid)
	h.setStatus(tunnel.NativeConnecting)

	go h.monitor(cmd, logFile)
	go h.markReady(cmd, opts.ReadyDelay)
	return nil
}

func (h *processHandle) markReady(cmd *exec.Cmd, delay time.Duration) {
	time.Sleep(delay)
	h.mu.Lock()
	ready := h.cmd == cmd && h.status == tunnel.NativeConnecting
	h.mu.Unlock()
	if ready {
		h.setStatus(tunnel.NativeConnected)
	}
}

func (h *processHandle) monitor(cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	closeQuietly(logFile)
	if err != nil {
		log.Printf("[Provider] daemon exited with error: %v", err)
	} else {
		log.Printf("[Provider] daemon exited normally")
	}

	h.mu.Lock()
	current := h.cmd == cmd
	if current {
		h.cmd = nil
		h.stdin = nil
	}
	h.mu.Unlock()
	if current {
		h.provider.removePID()
		h.setStatus(tunnel.NativeDisconnected)
	}
}

// StopTunnel 发中断信号：Disconnecting → （进程退出后）Disconnected
func (h *processHandle) StopTunnel() {
	h.mu.Lock()
	cmd := h.cmd
	adopted := h.adoptedPID
	h.mu.Unlock()
	if adopted != 0 {
		h.stopAdopted(adopted)
		return
	}
	if cmd == nil || cmd.Process == nil {
		return
	}

	h.setStatus(tunnel.NativeDisconnecting)
	if err := interrupt(cmd.Process); err != nil {
		log.Printf("[Provider] interrupt daemon failed: %v", err)
		_ = cmd.Process.Kill()
		return
	}

	timeout := h.provider.opts.StopTimeout
	go func() {
		time.Sleep(timeout)
		h.mu.Lock()
		stillRunning := h.cmd == cmd
		h.mu.Unlock()
		if stillRunning {
			log.Printf("[Provider] daemon did not exit in %s, killing", timeout)
			_ = cmd.Process.Kill()
		}
	}()
}

func (h *processHandle) Subscribe(fn func(tunnel.NativeStatus)) func() {
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subMu.Lock()
			delete(h.subs, id)
			h.subMu.Unlock()
		})
	}
}

// SendMessage 把消息按行写入守护进程 stdin；守护进程不回复。
// 守护进程不读 stdin 时管道会写满，调用方以 ctx 放弃等待；
// 卡住的写入在守护进程退出、Wait 关闭管道后返回。
func (h *processHandle) SendMessage(ctx context.Context, payload []byte) ([]byte, error) {
	h.mu.Lock()
	stdin := h.stdin
	adopted := h.adoptedPID
	h.mu.Unlock()
	if adopted != 0 {
		return nil, ErrNoMessageChannel
	}
	if stdin == nil {
		return nil, ErrNotRunning
	}
	msg := append(append([]byte(nil), payload...), '\n')
	done := make(chan error, 1)
	go func() {
		// 多条消息按顺序整条写入，不交错
		h.writeMu.Lock()
		defer h.writeMu.Unlock()
		_, err := stdin.Write(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *processHandle) setStatus(s tunnel.NativeStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()

	h.subMu.Lock()
	subs := make([]func(tunnel.NativeStatus), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subMu.Unlock()

	for _, fn := range subs {
		go fn(s)
	}
}

// LogPath 守护进程 stdout/stderr 的落盘位置
func LogPath(root string) string {
	return filepath.Join(root, "log", "tunnel.log")
}

func openDaemonLog(root string) (*os.File, error) {
	if root == "" {
		return nil, errors.New("no root dir")
	}
	path := LogPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

var _ tunnel.Provider = (*Process)(nil)
var _ tunnel.Handle = (*processHandle)(nil)
