package device

import (
	"sort"
	"strings"
)

// FeatureEmbedded 标记嵌入式设备，安装时默认授予全部运行时权限。
const FeatureEmbedded = "android.hardware.type.embedded"

// Session 描述一次部署调用中选定的设备，创建后只读。
type Session struct {
	serial   string
	abis     []string
	apiLevel int
	features map[string]struct{}
}

// NewSession 构建设备会话；abis 按设备优先级排列。
func NewSession(serial string, abis []string, apiLevel int, features []string) Session {
	set := make(map[string]struct{}, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	cleaned := make([]string, 0, len(abis))
	for _, abi := range abis {
		if abi = strings.TrimSpace(abi); abi != "" {
			cleaned = append(cleaned, abi)
		}
	}
	return Session{
		serial:   strings.TrimSpace(serial),
		abis:     cleaned,
		apiLevel: apiLevel,
		features: set,
	}
}

// Serial 返回设备序列号。
func (s Session) Serial() string { return s.serial }

// APILevel 返回 ro.build.version.sdk，未知时为 0。
func (s Session) APILevel() int { return s.apiLevel }

// ABIs 返回设备支持的 ABI 副本。
func (s Session) ABIs() []string {
	out := make([]string, len(s.abis))
	copy(out, s.abis)
	return out
}

// HasFeature 判断设备是否声明了 pm feature。
func (s Session) HasFeature(name string) bool {
	_, ok := s.features[name]
	return ok
}

// Embedded 判断是否为嵌入式设备。
func (s Session) Embedded() bool {
	return s.HasFeature(FeatureEmbedded)
}

// Features 返回排序后的 feature 列表。
func (s Session) Features() []string {
	out := make([]string, 0, len(s.features))
	for f := range s.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
