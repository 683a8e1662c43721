package transport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/internal/providers/adb/adbtest"
)

func newTestClient(t *testing.T, dev *adbtest.Device, opts ...Option) *Client {
	t.Helper()
	c, err := New(dev, append([]Option{WithStagingDir("/data/local/tmp/test")}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestOutcomeForCode(t *testing.T) {
	cases := map[string]InstallOutcome{
		"INSTALL_FAILED_VERSION_DOWNGRADE":               OutcomeVersionDowngrade,
		"INSTALL_FAILED_UPDATE_INCOMPATIBLE":             OutcomeUpdateIncompatible,
		"INSTALL_FAILED_DEXOPT":                          OutcomeDexoptFailed,
		"INSTALL_PARSE_FAILED_INCONSISTENT_CERTIFICATES": OutcomeCertificateInconsistent,
		"INSTALL_PARSE_FAILED_NO_CERTIFICATES":           OutcomeCertificateMissing,
		"INSTALL_FAILED_OLDER_SDK":                       OutcomeSDKTooOld,
		"INSTALL_FAILED_SOMETHING_NEW":                   OutcomeUnknown,
		"":                                               OutcomeUnknown,
	}
	for code, want := range cases {
		if got := OutcomeForCode(code); got != want {
			t.Fatalf("OutcomeForCode(%q) = %s, want %s", code, got, want)
		}
	}
}

func TestInstallPackagesSuccess(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.CommitPackage = "com.example.app"
	c := newTestClient(t, dev)

	base := writeLocal(t, "base.apk", "base-bytes")
	split := writeLocal(t, "split_config.arm64_v8a.apk", "split")
	res := c.Install(context.Background(), []string{base, split}, true, []string{"-t"})
	if !res.OK() {
		t.Fatalf("expected OK, got %s", res)
	}
	if dev.Commits() != 1 {
		t.Fatalf("expected one commit, got %d", dev.Commits())
	}
	var create string
	for _, cmd := range dev.Commands() {
		if strings.HasPrefix(cmd, "pm install-create") {
			create = cmd
		}
	}
	if create != "pm install-create -r -t -S 15" {
		t.Fatalf("unexpected install-create line %q", create)
	}
	for _, name := range dev.FileNames() {
		if strings.HasPrefix(name, "/data/local/tmp/test/install-") {
			t.Fatalf("staged package %s not cleaned up", name)
		}
	}
}

func TestInstallPackagesUnknownCode(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.CommitFailure = "Failure [INSTALL_FAILED_MYSTERY: vendor specific]"
	c := newTestClient(t, dev)

	res := c.Install(context.Background(), []string{writeLocal(t, "base.apk", "x")}, true, nil)
	if res.Outcome != OutcomeUnknown {
		t.Fatalf("expected UNKNOWN, got %s", res)
	}
	if res.Code != "INSTALL_FAILED_MYSTERY" || res.Message != "vendor specific" {
		t.Fatalf("unexpected code/message %q/%q", res.Code, res.Message)
	}
}

func TestInstallPackagesMapsKnownCode(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.CommitFailure = "Failure [INSTALL_FAILED_VERSION_DOWNGRADE]"
	c := newTestClient(t, dev)
	res := c.Install(context.Background(), []string{writeLocal(t, "base.apk", "x")}, false, nil)
	if res.Outcome != OutcomeVersionDowngrade {
		t.Fatalf("expected VERSION_DOWNGRADE, got %s", res)
	}
}

func TestInstallPackagesAbandonsOnWriteFailure(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	c := newTestClient(t, dev)
	res := c.InstallPackages(context.Background(), []StagedFile{{
		Name: "base.apk", RemotePath: "/data/local/tmp/test/missing.apk", Size: 3,
	}}, true, nil)
	if res.OK() {
		t.Fatalf("expected failure for missing staged file")
	}
	abandoned := false
	for _, cmd := range dev.Commands() {
		if strings.HasPrefix(cmd, "pm install-abandon") {
			abandoned = true
		}
		if strings.HasPrefix(cmd, "pm install-commit") {
			t.Fatalf("commit must not run after a failed write")
		}
	}
	if !abandoned {
		t.Fatalf("expected session to be abandoned")
	}
}

func TestInstallTimeoutIsDeviceUnresponsive(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	block := make(chan struct{})
	defer close(block)
	dev.Handler = func(argv []string, _ []byte) (string, bool, error) {
		if len(argv) > 1 && argv[0] == "pm" && argv[1] == "install-create" {
			<-block
		}
		return "", false, nil
	}
	c := newTestClient(t, dev, WithTimeout(20*time.Millisecond))
	res := c.InstallPackages(context.Background(), []StagedFile{{Name: "base.apk", RemotePath: "/x", Size: 1}}, true, nil)
	if res.Outcome != OutcomeDeviceUnresponsive {
		t.Fatalf("expected DEVICE_UNRESPONSIVE, got %s", res)
	}
}

func TestPushTimeoutLeavesNoStagedFile(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	unblock := make(chan struct{})
	dev.PushHook = func(string) error {
		<-unblock
		return nil
	}
	c := newTestClient(t, dev, WithTimeout(20*time.Millisecond))

	remote := "/data/local/tmp/test/classes.dex"
	err := c.PushBytes(context.Background(), bytes.NewReader([]byte("dex-bytes")), 9, remote)
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindTimeout {
		t.Fatalf("expected transport timeout, got %v", err)
	}
	close(unblock)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, partLeft := dev.File(remote + partSuffix)
		if !partLeft {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("partial file %s was not removed", remote+partSuffix)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := dev.File(remote); ok {
		t.Fatalf("final path must not exist after a timed out push")
	}
	for _, cmd := range dev.Commands() {
		if strings.HasPrefix(cmd, "mv ") {
			t.Fatalf("timed out push must not be renamed into place: %s", cmd)
		}
	}
}

func TestTimedOutCallKeepsDeviceLocked(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	unblock := make(chan struct{})
	dev.Handler = func(argv []string, _ []byte) (string, bool, error) {
		if len(argv) == 2 && argv[0] == "getprop" && argv[1] == "slow" {
			<-unblock
		}
		return "ok", true, nil
	}
	c := newTestClient(t, dev, WithTimeout(20*time.Millisecond))

	_, err := c.RunShell(context.Background(), []string{"getprop", "slow"}, nil)
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindTimeout {
		t.Fatalf("expected transport timeout, got %v", err)
	}

	next := make(chan error, 1)
	go func() {
		_, err := c.RunShell(context.Background(), []string{"getprop", "fast"}, nil)
		next <- err
	}()
	select {
	case err := <-next:
		t.Fatalf("next call ran while the device was still busy: %v", err)
	case <-time.After(60 * time.Millisecond):
	}

	close(unblock)
	select {
	case err := <-next:
		if err != nil {
			t.Fatalf("next call after device recovered: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("device lock never released")
	}
}

func TestPushFileRenamesIntoPlace(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	c := newTestClient(t, dev)
	local := writeLocal(t, "base.apk", "payload")
	staged, err := c.PushFile(context.Background(), local, "/data/local/tmp/test/base.apk")
	if err != nil {
		t.Fatalf("PushFile: %v", err)
	}
	if staged.Size != 7 || staged.Name != "base.apk" {
		t.Fatalf("unexpected staged file %+v", staged)
	}
	data, ok := dev.File("/data/local/tmp/test/base.apk")
	if !ok || string(data) != "payload" {
		t.Fatalf("remote content mismatch: %q", data)
	}
	if _, ok := dev.File("/data/local/tmp/test/base.apk" + partSuffix); ok {
		t.Fatalf("part file left behind")
	}
}

func TestPushFailureRemovesPart(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.PushHook = func(string) error { return errors.New("write: broken pipe") }
	c := newTestClient(t, dev)
	err := c.PushBytes(context.Background(), strings.NewReader("abc"), 3, "/data/local/tmp/test/a.dex")
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindDisconnected {
		t.Fatalf("expected disconnected transport error, got %v", err)
	}
	if len(dev.FileNames()) != 0 {
		t.Fatalf("unexpected remote files %v", dev.FileNames())
	}
}

func TestRunShellWithStdin(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	var got []byte
	dev.Handler = func(argv []string, stdin []byte) (string, bool, error) {
		if argv[0] == "cat" {
			got = stdin
			return string(stdin), true, nil
		}
		return "", false, nil
	}
	c := newTestClient(t, dev)
	out, err := c.RunShell(context.Background(), []string{"cat"}, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("RunShell: %v", err)
	}
	if string(out) != `{"a":1}` || string(got) != `{"a":1}` {
		t.Fatalf("stdin not forwarded, out=%q", out)
	}
	if names := dev.FileNames(); len(names) != 0 {
		t.Fatalf("stdin file not cleaned up: %v", names)
	}
}

func TestRunShellRejected(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	c := newTestClient(t, dev)
	_, err := c.RunShell(context.Background(), []string{"no-such-binary"}, nil)
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindRejected {
		t.Fatalf("expected rejected error, got %v", err)
	}
}

func TestOpenSessionAndAbis(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.Props["ro.product.cpu.abilist"] = "arm64-v8a,armeabi-v7a,armeabi"
	dev.Props["ro.build.version.sdk"] = "33"
	dev.FeatureList = []string{"android.hardware.type.embedded", "android.software.webview=1"}
	c := newTestClient(t, dev)

	session, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if abis := session.ABIs(); len(abis) != 3 || abis[0] != "arm64-v8a" {
		t.Fatalf("unexpected abis %v", abis)
	}
	if session.APILevel() != 33 || !session.Embedded() || !session.HasFeature("android.software.webview") {
		t.Fatalf("unexpected session %+v", session.Features())
	}
}

func TestQueryAbisFallback(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.Props["ro.product.cpu.abi"] = "x86"
	c := newTestClient(t, dev)
	abis, err := c.QueryAbis(context.Background())
	if err != nil {
		t.Fatalf("QueryAbis: %v", err)
	}
	if len(abis) != 1 || abis[0] != "x86" {
		t.Fatalf("unexpected abis %v", abis)
	}
}

func TestUninstallBestEffort(t *testing.T) {
	dev := adbtest.New("emulator-5554")
	dev.SetInstalled("com.example.app", true)
	c := newTestClient(t, dev)
	if !c.UninstallPackage(context.Background(), "com.example.app") {
		t.Fatalf("expected uninstall to succeed")
	}
	if c.UninstallPackage(context.Background(), "com.example.app") {
		t.Fatalf("second uninstall should report false")
	}
}

func TestQuoteArg(t *testing.T) {
	cases := map[string]string{
		"plain/path.apk": "plain/path.apk",
		"has space":      "'has space'",
		"it's":           `'it'\''s'`,
		"":               "''",
	}
	for in, want := range cases {
		if got := QuoteArg(in); got != want {
			t.Fatalf("QuoteArg(%q) = %s, want %s", in, got, want)
		}
	}
}
