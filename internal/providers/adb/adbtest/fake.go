// Package adbtest provides an in-memory adb.Device for tests.
package adbtest

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Handler intercepts a shell command before the built-in emulation runs.
// handled=false falls through to the built-ins.
type Handler func(argv []string, stdin []byte) (out string, handled bool, err error)

// Device emulates the parts of an Android shell the deployer relies on:
// file staging, getprop, pm install sessions, pm path/uninstall and pidof.
type Device struct {
	SerialNo string

	mu sync.Mutex
	// Files maps remote paths to their content.
	Files map[string][]byte
	// Props answers getprop.
	Props map[string]string
	// FeatureList answers pm list features.
	FeatureList []string
	// Installed lists packages reported by pm path.
	Installed map[string]bool
	// Running lists process names reported by pidof.
	Running map[string]bool
	// CommitPackage is marked installed on a successful install-commit.
	CommitPackage string
	// CommitFailure, when set, is returned verbatim by install-commit.
	CommitFailure string
	// PushHook runs before each push; a non-nil error fails the push.
	PushHook func(remotePath string) error
	// Handler intercepts commands.
	Handler Handler

	commands    []string
	sessions    map[int][]string
	nextSession int
	commits     int
}

// New returns an empty device.
func New(serial string) *Device {
	return &Device{
		SerialNo:    serial,
		Files:       make(map[string][]byte),
		Props:       make(map[string]string),
		Installed:   make(map[string]bool),
		Running:     make(map[string]bool),
		sessions:    make(map[int][]string),
		nextSession: 100,
	}
}

func (d *Device) Serial() string { return d.SerialNo }

// Push stores the reader content at remotePath.
func (d *Device) Push(source io.Reader, remotePath string, modification time.Time, mode ...os.FileMode) error {
	d.mu.Lock()
	hook := d.PushHook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(remotePath); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Files[remotePath] = data
	return nil
}

// Commands returns the shell lines executed so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// Commits returns the number of successful install-commit calls.
func (d *Device) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

// File returns a copy of a remote file.
func (d *Device) File(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.Files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// FileNames returns all remote paths, sorted.
func (d *Device) FileNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.Files))
	for p := range d.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SetInstalled toggles pm path visibility of a package.
func (d *Device) SetInstalled(pkg string, installed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if installed {
		d.Installed[pkg] = true
	} else {
		delete(d.Installed, pkg)
	}
}

// SetRunning toggles pidof visibility of a process.
func (d *Device) SetRunning(process string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if running {
		d.Running[process] = true
	} else {
		delete(d.Running, process)
	}
}

// RunShellCommand executes ";"-separated commands, honouring "< file" stdin redirects.
func (d *Device) RunShellCommand(cmd string, args ...string) (string, error) {
	line := strings.TrimSpace(strings.Join(append([]string{cmd}, args...), " "))
	d.mu.Lock()
	d.commands = append(d.commands, line)
	d.mu.Unlock()

	var out strings.Builder
	for _, part := range strings.Split(line, "; ") {
		argv := Split(part)
		if len(argv) == 0 {
			continue
		}
		var stdin []byte
		for i := 0; i < len(argv); i++ {
			if argv[i] == "<" && i+1 < len(argv) {
				data, _ := d.File(argv[i+1])
				stdin = data
				argv = append(argv[:i:i], argv[i+2:]...)
				break
			}
		}
		res, err := d.exec(argv, stdin)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(res)
	}
	return out.String(), nil
}

func (d *Device) exec(argv []string, stdin []byte) (string, error) {
	d.mu.Lock()
	handler := d.Handler
	d.mu.Unlock()
	if handler != nil {
		out, handled, err := handler(argv, stdin)
		if handled {
			return out, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch argv[0] {
	case "getprop":
		if len(argv) < 2 {
			return "", nil
		}
		return d.Props[argv[1]] + "\n", nil
	case "mkdir":
		return "", nil
	case "mv":
		src, dst := argv[len(argv)-2], argv[len(argv)-1]
		data, ok := d.Files[src]
		if !ok {
			return fmt.Sprintf("mv: %s: No such file or directory\n", src), nil
		}
		d.Files[dst] = data
		delete(d.Files, src)
		return "", nil
	case "rm":
		recursive := false
		for _, a := range argv[1:] {
			if strings.HasPrefix(a, "-") {
				recursive = recursive || strings.Contains(a, "r")
				continue
			}
			delete(d.Files, a)
			if recursive {
				prefix := strings.TrimRight(a, "/") + "/"
				for p := range d.Files {
					if strings.HasPrefix(p, prefix) {
						delete(d.Files, p)
					}
				}
			}
		}
		return "", nil
	case "stat":
		path := argv[len(argv)-1]
		data, ok := d.Files[path]
		if !ok {
			return fmt.Sprintf("stat: '%s': No such file or directory\n", path), nil
		}
		return strconv.Itoa(len(data)) + "\n", nil
	case "ls":
		path := argv[len(argv)-1]
		if _, ok := d.Files[path]; ok {
			return path + "\n", nil
		}
		return fmt.Sprintf("ls: %s: No such file or directory\n", path), nil
	case "pidof":
		pids := make([]string, 0, len(argv)-1)
		for i, name := range argv[1:] {
			if d.Running[name] {
				pids = append(pids, strconv.Itoa(1000+i))
			}
		}
		if len(pids) == 0 {
			return "", nil
		}
		return strings.Join(pids, " ") + "\n", nil
	case "pm":
		return d.pm(argv[1:])
	}
	return fmt.Sprintf("/system/bin/sh: %s: inaccessible or not found\n", argv[0]), nil
}

func (d *Device) pm(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "list":
		var b strings.Builder
		for _, f := range d.FeatureList {
			b.WriteString("feature:" + f + "\n")
		}
		return b.String(), nil
	case "path":
		pkg := args[len(args)-1]
		if d.Installed[pkg] {
			return "package:/data/app/" + pkg + "/base.apk\n", nil
		}
		return "", nil
	case "uninstall":
		pkg := args[len(args)-1]
		if !d.Installed[pkg] {
			return "Failure [DELETE_FAILED_INTERNAL_ERROR]\n", nil
		}
		delete(d.Installed, pkg)
		return "Success\n", nil
	case "install-create":
		id := d.nextSession
		d.nextSession++
		d.sessions[id] = nil
		return fmt.Sprintf("Success: created install session [%d]\n", id), nil
	case "install-write":
		// install-write -S <size> <session> <name> <path>
		if len(args) < 6 {
			return "Error: bad install-write\n", nil
		}
		id, _ := strconv.Atoi(args[3])
		path := args[5]
		data, ok := d.Files[path]
		if !ok {
			return "Error: Unable to open file: " + path + "\n", nil
		}
		if _, ok := d.sessions[id]; !ok {
			return "Error: unknown session\n", nil
		}
		d.sessions[id] = append(d.sessions[id], args[4])
		return fmt.Sprintf("Success: streamed %d bytes\n", len(data)), nil
	case "install-commit":
		id, _ := strconv.Atoi(args[len(args)-1])
		delete(d.sessions, id)
		if d.CommitFailure != "" {
			return d.CommitFailure + "\n", nil
		}
		d.commits++
		if d.CommitPackage != "" {
			d.Installed[d.CommitPackage] = true
		}
		return "Success\n", nil
	case "install-abandon":
		id, _ := strconv.Atoi(args[len(args)-1])
		delete(d.sessions, id)
		return "Success\n", nil
	}
	return "Unknown command: " + args[0] + "\n", nil
}

// Split tokenizes a shell line, honouring single quotes.
func Split(line string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		has     bool
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			has = true
		case ch == '\\' && !inQuote && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
			has = true
		case (ch == ' ' || ch == '\t') && !inQuote:
			if has {
				out = append(out, cur.String())
				cur.Reset()
				has = false
			}
		default:
			cur.WriteByte(ch)
			has = true
		}
	}
	if has {
		out = append(out, cur.String())
	}
	return out
}
