package adb

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// ErrDeviceNotFound is returned when the requested serial is not attached.
var ErrDeviceNotFound = errors.New("adb: device not found")

// Device is the subset of *gadb.Device the deployer talks to.
type Device interface {
	Serial() string
	RunShellCommand(cmd string, args ...string) (string, error)
	Push(source io.Reader, remotePath string, modification time.Time, mode ...os.FileMode) error
}

var _ Device = (*gadb.Device)(nil)

// Provider resolves device serials to gadb device handles.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices returns all available device serials from adb.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	return p.client.DeviceSerialList()
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// Device returns the handle for serial. An empty serial selects the only
// attached device and fails when zero or several are attached.
func (p *Provider) Device(ctx context.Context, serial string) (Device, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	if target == "" {
		switch len(devs) {
		case 0:
			return nil, ErrDeviceNotFound
		case 1:
			return devs[0], nil
		default:
			return nil, errors.Errorf("adb: %d devices attached, choose one with --serial", len(devs))
		}
	}
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Wrapf(ErrDeviceNotFound, "serial %s", serial)
}
