package transport

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/config"
	"github.com/httprunner/DeployAgent/internal/device"
	"github.com/httprunner/DeployAgent/internal/providers/adb"
)

// Client talks to one device. Every call sequence that must look atomic to
// the device runs under the device lock.
type Client struct {
	dev        adb.Device
	serial     string
	locker     device.Locker
	timeout    time.Duration
	stagingDir string

	mu   sync.Mutex
	held *hold
}

// hold tracks device work that outlived the call which started it. The
// device lock is not handed on until all of it has returned.
type hold struct {
	pending atomic.Int32
	wg      sync.WaitGroup
}

func (h *hold) add() {
	if h == nil {
		return
	}
	h.pending.Add(1)
	h.wg.Add(1)
}

func (h *hold) done() {
	if h != nil {
		h.wg.Done()
	}
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout bounds every device call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStagingDir sets the remote directory used for stdin and package staging.
func WithStagingDir(dir string) Option {
	return func(c *Client) {
		if dir = strings.TrimRight(strings.TrimSpace(dir), "/"); dir != "" {
			c.stagingDir = dir
		}
	}
}

// WithLocker shares a device lock registry between clients.
func WithLocker(l device.Locker) Option {
	return func(c *Client) {
		if l != nil {
			c.locker = l
		}
	}
}

// New wraps dev. Without WithLocker the client owns a private lock registry.
func New(dev adb.Device, opts ...Option) (*Client, error) {
	if dev == nil {
		return nil, errors.New("transport: device is nil")
	}
	c := &Client{
		dev:        dev,
		serial:     strings.TrimSpace(dev.Serial()),
		timeout:    config.DefaultTimeout,
		stagingDir: config.DefaultStagingDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locker == nil {
		c.locker = device.NewManager()
	}
	return c, nil
}

func (c *Client) Serial() string { return c.serial }

// StagingDir returns the remote staging directory.
func (c *Client) StagingDir() string { return c.stagingDir }

// lock acquires the device for one atomic call sequence. If a call under
// the lock was abandoned, the returned release only frees the device once
// that call has come back.
func (c *Client) lock(ctx context.Context, op string) (func(), error) {
	release, err := c.locker.Acquire(ctx, c.serial)
	if err != nil {
		return nil, &Error{Op: op, Serial: c.serial, Kind: KindCanceled, Err: err}
	}
	h := &hold{}
	c.mu.Lock()
	c.held = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.held == h {
				c.held = nil
			}
			c.mu.Unlock()
			if h.pending.Load() == 0 {
				release()
				return
			}
			log.Warn().Str("serial", c.serial).Str("op", op).
				Msg("transport: device still busy, lock kept until abandoned call returns")
			go func() {
				h.wg.Wait()
				release()
			}()
		})
	}, nil
}

func (c *Client) current() *hold {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// detach lets fn's result drain in the background and keeps the device
// locked until it does.
func (c *Client) detach(done <-chan error, late func(error)) {
	h := c.current()
	h.add()
	go func() {
		defer h.done()
		err := <-done
		if late != nil {
			late(err)
		}
	}()
}

// call runs fn bounded by the client timeout. On timeout fn keeps running in
// the background; late is invoked once it finally returns, still under the
// device lock.
func (c *Client) call(ctx context.Context, op string, fn func() error, late func(error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return c.wrap(op, err)
	case <-timer.C:
		c.detach(done, late)
		return &Error{Op: op, Serial: c.serial, Kind: KindTimeout,
			Err: errors.Errorf("no response after %s", c.timeout)}
	case <-ctx.Done():
		c.detach(done, late)
		kind := KindCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Op: op, Serial: c.serial, Kind: kind, Err: ctx.Err()}
	}
}

// shell runs one command line without taking the lock.
func (c *Client) shell(ctx context.Context, op, line string) (string, error) {
	var out string
	err := c.call(ctx, op, func() error {
		var runErr error
		out, runErr = c.dev.RunShellCommand(line)
		return runErr
	}, nil)
	if err != nil {
		return "", err
	}
	return out, nil
}

// RunShell executes argv on the device and returns all output. stdin, when
// non-nil, is staged to a temporary remote file and redirected.
func (c *Client) RunShell(ctx context.Context, argv []string, stdin []byte) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("transport: empty command")
	}
	release, err := c.lock(ctx, "shell")
	if err != nil {
		return nil, err
	}
	defer release()
	return c.runShellLocked(ctx, argv, stdin)
}

func (c *Client) runShellLocked(ctx context.Context, argv []string, stdin []byte) ([]byte, error) {
	line := QuoteCommand(argv)
	if stdin != nil {
		input := path.Join(c.stagingDir, "stdin-"+uuid.NewString())
		if err := c.pushLocked(ctx, bytes.NewReader(stdin), int64(len(stdin)), input); err != nil {
			return nil, err
		}
		line = fmt.Sprintf("%s < %s; rm -f %s", line, QuoteArg(input), QuoteArg(input))
	}
	log.Debug().Str("serial", c.serial).Str("cmd", line).Msg("transport: shell")
	out, err := c.shell(ctx, "shell", line)
	if err != nil {
		return nil, err
	}
	if rejected(out) {
		return []byte(out), &Error{Op: "shell", Serial: c.serial, Kind: KindRejected,
			Err: errors.New(strings.TrimSpace(out))}
	}
	return []byte(out), nil
}

// rejected reports shell-level failures to launch the command at all.
func rejected(out string) bool {
	first := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	return strings.HasSuffix(first, "inaccessible or not found") ||
		strings.HasSuffix(first, "Permission denied") && strings.HasPrefix(first, "/system/bin/sh:")
}

// QueryAbis returns the supported ABIs in device priority order.
func (c *Client) QueryAbis(ctx context.Context) ([]string, error) {
	release, err := c.lock(ctx, "abis")
	if err != nil {
		return nil, err
	}
	defer release()
	return c.queryAbisLocked(ctx)
}

func (c *Client) queryAbisLocked(ctx context.Context) ([]string, error) {
	out, err := c.shell(ctx, "abis", "getprop ro.product.cpu.abilist")
	if err != nil {
		return nil, err
	}
	abis := splitList(out)
	if len(abis) > 0 {
		return abis, nil
	}
	for _, prop := range []string{"ro.product.cpu.abi", "ro.product.cpu.abi2"} {
		out, err := c.shell(ctx, "abis", "getprop "+prop)
		if err != nil {
			return nil, err
		}
		abis = append(abis, splitList(out)...)
	}
	if len(abis) == 0 {
		return nil, &Error{Op: "abis", Serial: c.serial, Kind: KindRejected,
			Err: errors.New("device reports no ABI")}
	}
	return abis, nil
}

// OpenSession collects the read-only device facts for one invocation.
func (c *Client) OpenSession(ctx context.Context) (device.Session, error) {
	release, err := c.lock(ctx, "session")
	if err != nil {
		return device.Session{}, err
	}
	defer release()

	abis, err := c.queryAbisLocked(ctx)
	if err != nil {
		return device.Session{}, err
	}
	sdk, err := c.shell(ctx, "session", "getprop ro.build.version.sdk")
	if err != nil {
		return device.Session{}, err
	}
	apiLevel, _ := strconv.Atoi(strings.TrimSpace(sdk))
	out, err := c.shell(ctx, "session", "pm list features")
	if err != nil {
		return device.Session{}, err
	}
	var features []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "feature:") {
			continue
		}
		name := strings.TrimPrefix(line, "feature:")
		if idx := strings.IndexByte(name, '='); idx >= 0 {
			name = name[:idx]
		}
		features = append(features, name)
	}
	session := device.NewSession(c.serial, abis, apiLevel, features)
	log.Info().Str("serial", c.serial).Strs("abis", abis).Int("api", apiLevel).
		Int("features", len(features)).Msg("transport: device session opened")
	return session, nil
}

// IsInstalled reports whether pm knows the package.
func (c *Client) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	release, err := c.lock(ctx, "pm path")
	if err != nil {
		return false, err
	}
	defer release()
	out, err := c.shell(ctx, "pm path", "pm path "+QuoteArg(pkg))
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "package:"), nil
}

// RunningProcesses returns the subset of names that currently have a pid.
func (c *Client) RunningProcesses(ctx context.Context, names []string) ([]string, error) {
	release, err := c.lock(ctx, "pidof")
	if err != nil {
		return nil, err
	}
	defer release()
	var running []string
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		out, err := c.shell(ctx, "pidof", "pidof "+QuoteArg(name))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(out) != "" {
			running = append(running, name)
		}
	}
	return running, nil
}

// FileExists reports whether a remote path exists.
func (c *Client) FileExists(ctx context.Context, remote string) (bool, error) {
	release, err := c.lock(ctx, "ls")
	if err != nil {
		return false, err
	}
	defer release()
	out, err := c.shell(ctx, "ls", "ls "+QuoteArg(remote))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == remote, nil
}

// RemoveAll deletes remote paths, best effort.
func (c *Client) RemoveAll(ctx context.Context, remotes ...string) error {
	if len(remotes) == 0 {
		return nil
	}
	release, err := c.lock(ctx, "rm")
	if err != nil {
		return err
	}
	defer release()
	quoted := make([]string, 0, len(remotes))
	for _, r := range remotes {
		quoted = append(quoted, QuoteArg(r))
	}
	_, err = c.shell(ctx, "rm", "rm -rf "+strings.Join(quoted, " "))
	return err
}

func splitList(out string) []string {
	var items []string
	for _, part := range strings.FieldsFunc(out, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
