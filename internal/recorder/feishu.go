package recorder

import (
	"context"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/internal/feishu"
)

// Bitable column names written by FeishuRecorder.
const (
	FieldID           = "DeploymentID"
	FieldSerial       = "DeviceSerial"
	FieldPackage      = "Package"
	FieldMode         = "Mode"
	FieldStrategy     = "Strategy"
	FieldState        = "State"
	FieldOutcome      = "Outcome"
	FieldFailedStep   = "FailedStep"
	FieldError        = "Error"
	FieldChangedPaths = "ChangedPaths"
	FieldFellBack     = "FellBack"
	FieldStartAt      = "StartAt"
	FieldEndAt        = "EndAt"
	FieldElapsed      = "ElapsedSeconds"
)

type recordCreator interface {
	CreateRecord(ctx context.Context, rawURL string, fields map[string]any) (string, error)
}

// FeishuRecorder appends each record as a bitable row.
type FeishuRecorder struct {
	client recordCreator
	url    string
}

// NewFeishuRecorder returns nil when url is empty, allowing graceful opt-out.
func NewFeishuRecorder(url string) (*FeishuRecorder, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, nil
	}
	if _, err := feishu.ParseTableURL(url); err != nil {
		return nil, err
	}
	cli, err := feishu.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return &FeishuRecorder{client: cli, url: url}, nil
}

func (r *FeishuRecorder) Name() string { return "feishu" }

func (r *FeishuRecorder) Record(ctx context.Context, rec Record) error {
	if r == nil || r.client == nil || r.url == "" {
		return nil
	}
	if _, err := r.client.CreateRecord(ctx, r.url, feishuFields(rec)); err != nil {
		return pkgerrors.Wrap(err, "feishu recorder: create deployment record failed")
	}
	return nil
}

func (r *FeishuRecorder) Close() error { return nil }

func feishuFields(rec Record) map[string]any {
	fields := map[string]any{
		FieldID:       rec.ID,
		FieldSerial:   rec.Serial,
		FieldPackage:  rec.Package,
		FieldState:    rec.State,
		FieldFellBack: rec.FellBack,
	}
	put := func(key, val string) {
		if strings.TrimSpace(val) != "" {
			fields[key] = val
		}
	}
	put(FieldMode, rec.Mode)
	put(FieldStrategy, rec.Strategy)
	put(FieldOutcome, rec.Outcome)
	put(FieldFailedStep, rec.FailedStep)
	put(FieldError, rec.Error)
	put(FieldChangedPaths, strings.Join(rec.ChangedPaths, "\n"))
	if !rec.StartedAt.IsZero() {
		fields[FieldStartAt] = rec.StartedAt.UnixMilli()
	}
	if !rec.FinishedAt.IsZero() {
		fields[FieldEndAt] = rec.FinishedAt.UnixMilli()
	}
	if d := rec.Duration(); d > 0 {
		fields[FieldElapsed] = d.Seconds()
	}
	return fields
}
