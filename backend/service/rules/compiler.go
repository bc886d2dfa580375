// Package rules 把配置组翻译成代理守护进程读取的配置文本。
//
// 纯函数：不做 I/O，相同输入得到逐字节相同的输出。
package rules

import (
	"bytes"
	"encoding/json"
	"strings"

	"tunnelmgr/backend/domain"
)

// ForwardRuleHeader action 文件中每个段落的标题行
const ForwardRuleHeader = "{+forward-rule}"

// Output 一次编译的结果
type Output struct {
	General    GeneralConfig
	Forwarder  []byte // 空表示不启用转发
	ActionText string
	GlobalMode bool
}

// GeneralConfig general.json
type GeneralConfig struct {
	DNS string `json:"dns"`
}

// shadowsocksConfig SS/SSR 转发配置，字段顺序即输出顺序
type shadowsocksConfig struct {
	Type       domain.ProxyType `json:"type"`
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	Password   string           `json:"password"`
	AuthScheme string           `json:"authscheme"`
	OTA        bool             `json:"ota"`
	Protocol   string           `json:"protocol"`
	Obfs       string           `json:"obfs"`
	ObfsParam  string           `json:"obfs_param"`
}

// socks5Config 不含任何 SSR 字段
type socks5Config struct {
	Type       domain.ProxyType `json:"type"`
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	Password   string           `json:"password"`
	AuthScheme string           `json:"authscheme"`
}

// Compile 编译配置组
func Compile(group domain.ExpandedGroup, pollution []string) (Output, error) {
	forwarder, err := ForwarderConfig(group)
	if err != nil {
		return Output{}, err
	}
	return Output{
		General:    GeneralConfig{DNS: group.Group.DNS},
		Forwarder:  forwarder,
		ActionText: ActionFile(group.RuleSets, pollution),
		GlobalMode: group.GlobalMode(),
	}, nil
}

// ForwarderConfig 由上游代理（代理列表第一个）生成转发配置。
// 没有上游或类型不支持转发时返回空内容。
func ForwarderConfig(group domain.ExpandedGroup) ([]byte, error) {
	upstream, ok := group.UpstreamProxy()
	if !ok {
		return nil, nil
	}

	var v any
	switch upstream.Type {
	case domain.ProxyShadowsocks, domain.ProxyShadowsocksR:
		v = shadowsocksConfig{
			Type:       upstream.Type,
			Host:       upstream.Host,
			Port:       upstream.Port,
			Password:   upstream.Password,
			AuthScheme: upstream.AuthScheme,
			OTA:        upstream.OTA,
			Protocol:   upstream.SSRProtocol,
			Obfs:       upstream.SSRObfs,
			ObfsParam:  upstream.SSRObfsParam,
		}
	case domain.ProxySocks5:
		v = socks5Config{
			Type:       upstream.Type,
			Host:       upstream.Host,
			Port:       upstream.Port,
			Password:   upstream.Password,
			AuthScheme: upstream.AuthScheme,
		}
	default:
		return nil, nil
	}
	return marshalCompact(v)
}

// ActionFile 生成 action 文件文本。
//
// 规则按 组→规则集→规则 的顺序拼接后分桶：A=非 IP-CIDR/GEOIP，B=IP-CIDR，C=GEOIP。
// 只有非空桶输出标题；最后的 DNS 污染段无条件输出（列表为空时也有标题）。
func ActionFile(ruleSets []domain.RuleSet, pollution []string) string {
	var forward, ipcidr, geoip []string
	for _, rs := range ruleSets {
		for _, r := range rs.Rules {
			switch r.Type {
			case domain.RuleIPCIDR:
				ipcidr = append(ipcidr, r.Description())
			case domain.RuleGeoIP:
				geoip = append(geoip, r.Description())
			default:
				forward = append(forward, r.Description())
			}
		}
	}

	lines := make([]string, 0, len(forward)+len(ipcidr)+len(geoip)+len(pollution)+4)
	for _, bucket := range [][]string{forward, ipcidr, geoip} {
		if len(bucket) == 0 {
			continue
		}
		lines = append(lines, ForwardRuleHeader)
		lines = append(lines, bucket...)
	}

	lines = append(lines, ForwardRuleHeader)
	for _, addr := range pollution {
		lines = append(lines, domain.Rule{
			Type:   domain.RuleDNSIPCIDR,
			Value:  addr + "/32",
			Action: domain.ActionProxy,
		}.Description())
	}
	return strings.Join(lines, "\n")
}

// marshalCompact 与 json.Marshal 相同但不转义 HTML 字符（密码里可能有 & < >）
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
