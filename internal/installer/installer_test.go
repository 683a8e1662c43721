package installer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/internal/providers/adb/adbtest"
	"github.com/httprunner/DeployAgent/internal/transport"
)

const agentPath = "/data/local/tmp/test/agent"

func newInstaller(t *testing.T, dev *adbtest.Device, opts ...transport.Option) *Installer {
	t.Helper()
	client, err := transport.New(dev, append([]transport.Option{transport.WithStagingDir("/data/local/tmp/test")}, opts...)...)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return New(client, agentPath)
}

func agentHandler(t *testing.T, reply string, seen *agentRequest) adbtest.Handler {
	return func(argv []string, stdin []byte) (string, bool, error) {
		if argv[0] != "run-as" {
			return "", false, nil
		}
		if len(argv) != 4 || argv[2] != agentPath || argv[3] != "swap" {
			t.Errorf("unexpected agent argv %v", argv)
		}
		if seen != nil {
			if err := json.Unmarshal(stdin, seen); err != nil {
				t.Errorf("agent stdin not json: %v", err)
			}
		}
		return reply, true, nil
	}
}

func TestOptionsFlags(t *testing.T) {
	opts := NewOptions(AllowDebuggable(), GrantAllPermissions(), WithFlags("--abi", " ", "arm64-v8a"))
	if got := strings.Join(opts.Flags(), " "); got != "-t -g --abi arm64-v8a" {
		t.Fatalf("unexpected flags %q", got)
	}
	extra := opts.ExtraFlags()
	extra[0] = "mutated"
	if opts.ExtraFlags()[0] != "--abi" {
		t.Fatalf("ExtraFlags leaked internal slice")
	}
	if len(NewOptions().Flags()) != 0 {
		t.Fatalf("default options must have no flags")
	}
}

func TestConventionalInstall(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.Files["/data/local/tmp/test/base.apk"] = []byte("apk")
	inst := newInstaller(t, dev)
	req := Request{
		Kind:           Conventional,
		PackageName:    "com.example.app",
		Staged:         []transport.StagedFile{{Name: "base.apk", RemotePath: "/data/local/tmp/test/base.apk", Size: 3}},
		Options:        NewOptions(AllowDebuggable()),
		AllowReinstall: true,
	}
	if err := inst.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	dev.CommitFailure = "Failure [INSTALL_FAILED_UPDATE_INCOMPATIBLE: signatures do not match]"
	err := inst.Execute(context.Background(), req)
	var ie *InstallError
	if !errors.As(err, &ie) || ie.Outcome() != transport.OutcomeUpdateIncompatible {
		t.Fatalf("expected UPDATE_INCOMPATIBLE InstallError, got %v", err)
	}
}

func TestSwapSendsAgentRequest(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.SetRunning("com.example.app", true)
	var seen agentRequest
	dev.Handler = agentHandler(t, "agent: applying\n{\"status\":\"OK\"}\n", &seen)
	inst := newInstaller(t, dev)

	err := inst.Execute(context.Background(), Request{
		Kind:        PartialSwap,
		PackageName: "com.example.app",
		Processes:   []string{"com.example.app", "com.example.app:sync"},
		Entries: []SwapEntry{{Split: "base", Path: "classes.dex",
			File: transport.StagedFile{RemotePath: "/data/local/tmp/test/swap/classes.dex"}}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if seen.Version != 1 || seen.Mode != "partial" || seen.Package != "com.example.app" {
		t.Fatalf("unexpected agent request %+v", seen)
	}
	if len(seen.Processes) != 1 || seen.Processes[0] != "com.example.app" {
		t.Fatalf("expected only running processes, got %v", seen.Processes)
	}
	if len(seen.Entries) != 1 || seen.Entries[0].File != "/data/local/tmp/test/swap/classes.dex" {
		t.Fatalf("unexpected entries %+v", seen.Entries)
	}
}

func TestSwapFailures(t *testing.T) {
	entries := []SwapEntry{{Split: "base", Path: "classes.dex", File: transport.StagedFile{RemotePath: "/x"}}}
	cases := []struct {
		name    string
		running bool
		reply   string
		entries []SwapEntry
		want    SwapReason
	}{
		{"no process", false, `{"status":"OK"}`, entries, ReasonProcessNotFound},
		{"agent error", true, `{"status":"ERROR","reason":"INCOMPATIBLE_CHANGE","detail":"new class"}`, entries, ReasonIncompatibleChange},
		{"garbage reply", true, "segfault", entries, ReasonAgentUnresponsive},
		{"unknown reason", true, `{"status":"ERROR","reason":"WHAT"}`, entries, ReasonAgentUnresponsive},
		{"nothing to swap", true, `{"status":"OK"}`, nil, ReasonIncompatibleChange},
	}
	for _, tc := range cases {
		dev := adbtest.New("emulator-5554")
		dev.SetRunning("com.example.app", tc.running)
		dev.Handler = agentHandler(t, tc.reply, nil)
		inst := newInstaller(t, dev)
		err := inst.Execute(context.Background(), Request{
			Kind: FullSwap, PackageName: "com.example.app",
			Processes: []string{"com.example.app"}, Entries: tc.entries,
		})
		var se *SwapError
		if !errors.As(err, &se) || se.Reason != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSwapAgentTimeout(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.SetRunning("com.example.app", true)
	block := make(chan struct{})
	defer close(block)
	dev.Handler = func(argv []string, _ []byte) (string, bool, error) {
		if argv[0] == "run-as" {
			<-block
			return "", true, nil
		}
		return "", false, nil
	}
	inst := newInstaller(t, dev, transport.WithTimeout(30*time.Millisecond))
	err := inst.Execute(context.Background(), Request{
		Kind: FullSwap, PackageName: "com.example.app", Processes: []string{"com.example.app"},
		Entries: []SwapEntry{{Path: "classes.dex", File: transport.StagedFile{RemotePath: "/x"}}},
	})
	var se *SwapError
	if !errors.As(err, &se) || se.Reason != ReasonAgentUnresponsive {
		t.Fatalf("expected AGENT_UNRESPONSIVE, got %v", err)
	}
}

func TestSupportsSwap(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	inst := newInstaller(t, dev)
	ctx := context.Background()
	procs := []string{"com.example.app"}

	if ok, err := inst.SupportsSwap(ctx, "com.example.app", procs); err != nil || ok {
		t.Fatalf("no process: ok=%v err=%v", ok, err)
	}
	dev.SetRunning("com.example.app", true)
	if ok, _ := inst.SupportsSwap(ctx, "com.example.app", procs); ok {
		t.Fatalf("agent missing must not support swap")
	}
	dev.Files[agentPath] = []byte("elf")
	if ok, err := inst.SupportsSwap(ctx, "com.example.app", procs); err != nil || !ok {
		t.Fatalf("expected swap support: ok=%v err=%v", ok, err)
	}
}
