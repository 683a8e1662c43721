package feishu

import (
	"context"
	"net/url"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

var feishuDomains = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// Table addresses one bitable table. Links into a wiki carry WikiToken until
// the node is resolved to its app token.
type Table struct {
	AppToken  string
	WikiToken string
	TableID   string
}

func feishuHost(host string) bool {
	host = strings.ToLower(host)
	for _, d := range feishuDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ParseTableURL reads a link of the form https://<tenant>.feishu.cn/base/<app>?table=<id>
// or https://<tenant>.feishu.cn/wiki/<node>?table=<id>.
func ParseTableURL(raw string) (Table, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Table{}, errors.Wrapf(err, "feishu: bad table url %q", raw)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || !feishuHost(u.Hostname()) {
		return Table{}, errors.Errorf("feishu: %q is not a feishu link", raw)
	}

	var t Table
	if segs := strings.Split(strings.Trim(u.Path, "/"), "/"); len(segs) >= 2 {
		switch segs[0] {
		case "base":
			t.AppToken = segs[1]
		case "wiki":
			t.WikiToken = segs[1]
		}
	}
	if t.AppToken == "" && t.WikiToken == "" {
		return Table{}, errors.Errorf("feishu: %q has no /base/ or /wiki/ token", raw)
	}
	q := u.Query()
	t.TableID = strings.TrimSpace(q.Get("table"))
	if t.TableID == "" {
		t.TableID = strings.TrimSpace(q.Get("table_id"))
	}
	if t.TableID == "" {
		return Table{}, errors.Errorf("feishu: %q has no table id", raw)
	}
	return t, nil
}

func (c *Client) appToken(ctx context.Context, t Table) (string, error) {
	if t.AppToken != "" {
		return t.AppToken, nil
	}
	c.mu.Lock()
	token, ok := c.appTokens[t.WikiToken]
	c.mu.Unlock()
	if ok {
		return token, nil
	}

	resp, err := c.wiki.GetNode(ctx, t.WikiToken)
	if err != nil {
		return "", errors.Wrap(err, "feishu: wiki get_node")
	}
	if resp == nil {
		return "", errors.New("feishu: wiki get_node returned nothing")
	}
	if err := checkResp("wiki get_node", resp.ApiResp, resp.Success(), resp.Code, resp.Msg); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Node == nil {
		return "", errors.New("feishu: wiki node missing")
	}
	if typ := larkcore.StringValue(resp.Data.Node.ObjType); typ != "bitable" {
		return "", errors.Errorf("feishu: wiki node %s is a %q, not a bitable", t.WikiToken, typ)
	}
	token = strings.TrimSpace(larkcore.StringValue(resp.Data.Node.ObjToken))
	if token == "" {
		return "", errors.New("feishu: wiki node has no obj token")
	}
	c.mu.Lock()
	c.appTokens[t.WikiToken] = token
	c.mu.Unlock()
	return token, nil
}

// CreateRecord appends one row to the table behind rawURL and returns the
// new record id.
func (c *Client) CreateRecord(ctx context.Context, rawURL string, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("feishu: create record: no fields")
	}
	t, err := ParseTableURL(rawURL)
	if err != nil {
		return "", err
	}
	app, err := c.appToken(ctx, t)
	if err != nil {
		return "", err
	}

	record := larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()
	resp, err := c.records.Create(ctx, app, t.TableID, record)
	if err != nil {
		return "", errors.Wrap(err, "feishu: create record")
	}
	if resp == nil {
		return "", errors.New("feishu: create record returned nothing")
	}
	if err := checkResp("create record", resp.ApiResp, resp.Success(), resp.Code, resp.Msg); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil || larkcore.StringValue(resp.Data.Record.RecordId) == "" {
		return "", errors.New("feishu: create record returned no record id")
	}
	return larkcore.StringValue(resp.Data.Record.RecordId), nil
}
