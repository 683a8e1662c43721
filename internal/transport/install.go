package transport

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// InstallOutcome is the closed set of install results.
type InstallOutcome string

const (
	OutcomeOK                      InstallOutcome = "OK"
	OutcomeVersionDowngrade        InstallOutcome = "VERSION_DOWNGRADE"
	OutcomeUpdateIncompatible      InstallOutcome = "UPDATE_INCOMPATIBLE"
	OutcomeDexoptFailed            InstallOutcome = "DEXOPT_FAILED"
	OutcomeCertificateInconsistent InstallOutcome = "CERTIFICATE_INCONSISTENT"
	OutcomeCertificateMissing      InstallOutcome = "CERTIFICATE_MISSING"
	OutcomeSDKTooOld               InstallOutcome = "SDK_TOO_OLD"
	OutcomeDeviceNotFound          InstallOutcome = "DEVICE_NOT_FOUND"
	OutcomeDeviceUnresponsive      InstallOutcome = "DEVICE_UNRESPONSIVE"
	OutcomeUnknown                 InstallOutcome = "UNKNOWN"
)

var deviceCodes = map[string]InstallOutcome{
	"INSTALL_FAILED_VERSION_DOWNGRADE":              OutcomeVersionDowngrade,
	"INSTALL_FAILED_UPDATE_INCOMPATIBLE":            OutcomeUpdateIncompatible,
	"INSTALL_FAILED_DEXOPT":                         OutcomeDexoptFailed,
	"INSTALL_FAILED_INCONSISTENT_CERTIFICATES":      OutcomeCertificateInconsistent,
	"INSTALL_PARSE_FAILED_INCONSISTENT_CERTIFICATES": OutcomeCertificateInconsistent,
	"INSTALL_PARSE_FAILED_NO_CERTIFICATES":          OutcomeCertificateMissing,
	"INSTALL_FAILED_NO_CERTIFICATE":                 OutcomeCertificateMissing,
	"INSTALL_FAILED_OLDER_SDK":                      OutcomeSDKTooOld,
}

// OutcomeForCode maps a raw device code; unrecognised codes are UNKNOWN.
func OutcomeForCode(code string) InstallOutcome {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return OutcomeUnknown
	}
	if outcome, ok := deviceCodes[code]; ok {
		return outcome
	}
	switch {
	case strings.HasSuffix(code, "INCONSISTENT_CERTIFICATES"):
		return OutcomeCertificateInconsistent
	case strings.HasSuffix(code, "NO_CERTIFICATES"), strings.HasSuffix(code, "NO_CERTIFICATE"):
		return OutcomeCertificateMissing
	}
	return OutcomeUnknown
}

// InstallResult is produced by every install attempt.
type InstallResult struct {
	Outcome InstallOutcome
	Code    string
	Message string
}

func (r InstallResult) OK() bool { return r.Outcome == OutcomeOK }

func (r InstallResult) String() string {
	if r.OK() {
		return string(OutcomeOK)
	}
	var b strings.Builder
	b.WriteString(string(r.Outcome))
	if r.Code != "" {
		b.WriteString(" (" + r.Code + ")")
	}
	if r.Message != "" {
		b.WriteString(": " + r.Message)
	}
	return b.String()
}

var (
	failurePattern = regexp.MustCompile(`Failure \[([A-Za-z0-9_]+)(?::\s*([^\]]*))?\]`)
	sessionPattern = regexp.MustCompile(`\[(\d+)\]`)
)

// parseFailure extracts the device code from pm output.
func parseFailure(out string) InstallResult {
	out = strings.TrimSpace(out)
	if m := failurePattern.FindStringSubmatch(out); m != nil {
		return InstallResult{Outcome: OutcomeForCode(m[1]), Code: m[1], Message: strings.TrimSpace(m[2])}
	}
	return InstallResult{Outcome: OutcomeUnknown, Message: out}
}

// resultFromError turns a transport failure into an outcome.
func resultFromError(err error) InstallResult {
	switch {
	case IsTimeout(err):
		return InstallResult{Outcome: OutcomeDeviceUnresponsive, Message: err.Error()}
	case IsNotFound(err):
		return InstallResult{Outcome: OutcomeDeviceNotFound, Message: err.Error()}
	}
	return InstallResult{Outcome: OutcomeUnknown, Message: err.Error()}
}

// Install stages local package files then installs them as one unit.
func (c *Client) Install(ctx context.Context, localPaths []string, allowReinstall bool, flags []string) InstallResult {
	dir := path.Join(c.stagingDir, "install-"+uuid.NewString())
	staged := make([]StagedFile, 0, len(localPaths))
	defer func() {
		if err := c.RemoveAll(context.Background(), dir); err != nil {
			log.Warn().Err(err).Str("serial", c.serial).Msg("transport: cleanup staged packages failed")
		}
	}()
	for i, local := range localPaths {
		remote := path.Join(dir, fmt.Sprintf("%d_%s", i, path.Base(local)))
		file, err := c.PushFile(ctx, local, remote)
		if err != nil {
			return resultFromError(err)
		}
		staged = append(staged, file)
	}
	return c.InstallPackages(ctx, staged, allowReinstall, flags)
}

// InstallPackages installs already staged files through one pm session, so
// split packages land atomically. Rejections are outcomes, not errors.
func (c *Client) InstallPackages(ctx context.Context, files []StagedFile, allowReinstall bool, flags []string) InstallResult {
	if len(files) == 0 {
		return InstallResult{Outcome: OutcomeUnknown, Message: "no package files"}
	}
	release, err := c.lock(ctx, "install")
	if err != nil {
		return resultFromError(err)
	}
	defer release()

	argv := []string{"pm", "install-create"}
	if allowReinstall {
		argv = append(argv, "-r")
	}
	argv = append(argv, flags...)
	var total int64
	for _, f := range files {
		total += f.Size
	}
	argv = append(argv, "-S", fmt.Sprint(total))

	out, err := c.shell(ctx, "install", QuoteCommand(argv))
	if err != nil {
		return resultFromError(err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "Success") {
		return parseFailure(out)
	}
	m := sessionPattern.FindStringSubmatch(out)
	if m == nil {
		return InstallResult{Outcome: OutcomeUnknown, Message: "no install session in: " + strings.TrimSpace(out)}
	}
	session := m[1]

	for i, f := range files {
		name := fmt.Sprintf("%d_%s", i, strings.TrimSuffix(f.Name, ".apk")) + ".apk"
		out, err := c.shell(ctx, "install", QuoteCommand([]string{
			"pm", "install-write", "-S", fmt.Sprint(f.Size), session, name, f.RemotePath,
		}))
		if err == nil && !strings.HasPrefix(strings.TrimSpace(out), "Success") {
			c.abandon(ctx, session)
			return parseFailure(out)
		}
		if err != nil {
			c.abandon(ctx, session)
			return resultFromError(err)
		}
	}

	out, err = c.shell(ctx, "install", "pm install-commit "+session)
	if err != nil {
		return resultFromError(err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "Success") {
		res := parseFailure(out)
		log.Warn().Str("serial", c.serial).Str("outcome", string(res.Outcome)).
			Str("code", res.Code).Msg("transport: install rejected")
		return res
	}
	log.Info().Str("serial", c.serial).Int("files", len(files)).Msg("transport: install committed")
	return InstallResult{Outcome: OutcomeOK}
}

func (c *Client) abandon(ctx context.Context, session string) {
	if _, err := c.shell(ctx, "install", "pm install-abandon "+session); err != nil {
		log.Warn().Err(err).Str("serial", c.serial).Str("session", session).Msg("transport: abandon install session failed")
	}
}

// UninstallPackage removes a package, best effort.
func (c *Client) UninstallPackage(ctx context.Context, name string) bool {
	release, err := c.lock(ctx, "uninstall")
	if err != nil {
		return false
	}
	defer release()
	out, err := c.shell(ctx, "uninstall", "pm uninstall "+QuoteArg(name))
	if err != nil {
		log.Warn().Err(err).Str("serial", c.serial).Str("package", name).Msg("transport: uninstall failed")
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(out), "Success")
}
