package device

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Locker 为同一设备上的传输调用提供单写者互斥。
type Locker interface {
	Acquire(ctx context.Context, serial string) (release func(), err error)
}

// Manager 维护每台设备的互斥锁。
// 同一序列号的 Acquire 串行执行，不同设备之间互不阻塞。
type Manager struct {
	mu      sync.Mutex
	devices map[string]*state
}

type state struct {
	token chan struct{}
}

// NewManager 构建设备管理器。
func NewManager() *Manager {
	return &Manager{devices: make(map[string]*state)}
}

func (m *Manager) stateFor(serial string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		dev = &state{token: make(chan struct{}, 1)}
		m.devices[serial] = dev
		log.Debug().Str("serial", serial).Msg("device registered")
	}
	return dev
}

// Acquire 获取设备锁；返回的 release 可重复调用。
func (m *Manager) Acquire(ctx context.Context, serial string) (func(), error) {
	if m == nil {
		return nil, errors.New("device manager is nil")
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, errors.New("device manager: empty serial")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dev := m.stateFor(serial)
	select {
	case dev.token <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "acquire device %s", serial)
	}
	log.Debug().Str("serial", serial).Msg("device locked")

	var once sync.Once
	return func() {
		once.Do(func() { <-dev.token })
	}, nil
}
