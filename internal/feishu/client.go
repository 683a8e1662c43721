// Package feishu is a small Feishu (Lark) open-platform client used to publish
// deployment results into a bitable.
package feishu

import (
	"context"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkwiki "github.com/larksuite/oapi-sdk-go/v3/service/wiki/v2"
	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/internal/env"
)

const (
	EnvAppID     = "FEISHU_APP_ID"
	EnvAppSecret = "FEISHU_APP_SECRET"
	EnvBaseURL   = "FEISHU_BASE_URL"
)

type recordAPI interface {
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error)
}

type wikiAPI interface {
	GetNode(ctx context.Context, token string) (*larkwiki.GetNodeSpaceResp, error)
}

type sdkAPI struct {
	client *lark.Client
}

func (a sdkAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.client.Bitable.V1.AppTableRecord.Create(ctx, req)
}

func (a sdkAPI) GetNode(ctx context.Context, token string) (*larkwiki.GetNodeSpaceResp, error) {
	req := larkwiki.NewGetNodeSpaceReqBuilder().
		Token(token).
		Build()
	return a.client.Wiki.V2.Space.GetNode(ctx, req)
}

// Client appends rows to bitables. Tenant tokens are fetched and refreshed
// by the SDK's token cache.
type Client struct {
	records recordAPI
	wiki    wikiAPI

	mu        sync.Mutex
	appTokens map[string]string // wiki token -> app token
}

// NewClientFromEnv constructs a Client from FEISHU_APP_ID, FEISHU_APP_SECRET
// and the optional FEISHU_BASE_URL.
func NewClientFromEnv() (*Client, error) {
	return NewClient(env.String(EnvAppID, ""), env.String(EnvAppSecret, ""), env.String(EnvBaseURL, ""))
}

// NewClient constructs a Client; an empty baseURL means open.feishu.cn.
func NewClient(appID, appSecret, baseURL string) (*Client, error) {
	appID, appSecret = strings.TrimSpace(appID), strings.TrimSpace(appSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.Errorf("feishu: %s and %s must be set", EnvAppID, EnvAppSecret)
	}
	opts := []lark.ClientOptionFunc{lark.WithLogLevel(larkcore.LogLevelError)}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	api := sdkAPI{client: lark.NewClient(appID, appSecret, opts...)}
	return &Client{records: api, wiki: api, appTokens: make(map[string]string)}, nil
}

func checkResp(action string, apiResp *larkcore.ApiResp, ok bool, code int, msg string) error {
	if apiResp == nil {
		return errors.Errorf("feishu: %s returned no response", action)
	}
	if ok {
		return nil
	}
	if id := apiResp.RequestId(); id != "" {
		return errors.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, id)
	}
	return errors.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
}
