package rules

import (
	"strings"
	"testing"

	"tunnelmgr/backend/domain"
)

func TestForwarderConfig_ShadowsocksExactJSON(t *testing.T) {
	t.Parallel()

	group := domain.ExpandedGroup{
		Proxies: []domain.Proxy{{Type: domain.ProxyShadowsocks, Host: "1.2.3.4", Port: 8388, Password: "pw"}},
	}
	got, err := ForwarderConfig(group)
	if err != nil {
		t.Fatalf("ForwarderConfig: %v", err)
	}
	want := `{"type":"Shadowsocks","host":"1.2.3.4","port":8388,"password":"pw","authscheme":"","ota":false,"protocol":"","obfs":"","obfs_param":""}`
	if string(got) != want {
		t.Fatalf("forwarder config mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestForwarderConfig_Socks5HasNoSSRKeys(t *testing.T) {
	t.Parallel()

	group := domain.ExpandedGroup{
		Proxies: []domain.Proxy{{
			Type: domain.ProxySocks5, Host: "h", Port: 1080,
			SSRProtocol: "auth_sha1_v4", SSRObfs: "http_simple", SSRObfsParam: "x",
		}},
	}
	got, err := ForwarderConfig(group)
	if err != nil {
		t.Fatalf("ForwarderConfig: %v", err)
	}
	for _, key := range []string{`"protocol"`, `"obfs"`, `"obfs_param"`, `"ota"`} {
		if strings.Contains(string(got), key) {
			t.Fatalf("socks5 config must not contain %s: %s", key, got)
		}
	}
	want := `{"type":"Socks5","host":"h","port":1080,"password":"","authscheme":""}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestForwarderConfig_UsesFirstProxyOnly(t *testing.T) {
	t.Parallel()

	group := domain.ExpandedGroup{
		Proxies: []domain.Proxy{
			{Type: domain.ProxyShadowsocksR, Host: "first", Port: 1, SSRProtocol: "origin", SSRObfs: "plain", SSRObfsParam: "p&q"},
			{Type: domain.ProxySocks5, Host: "second", Port: 2},
		},
	}
	got, err := ForwarderConfig(group)
	if err != nil {
		t.Fatalf("ForwarderConfig: %v", err)
	}
	if !strings.Contains(string(got), `"host":"first"`) || strings.Contains(string(got), "second") {
		t.Fatalf("expected first proxy to be upstream: %s", got)
	}
	if !strings.Contains(string(got), `"obfs_param":"p&q"`) {
		t.Fatalf("expected obfs_param without html escaping: %s", got)
	}
}

func TestForwarderConfig_EmptyWhenNoEligibleUpstream(t *testing.T) {
	t.Parallel()

	cases := map[string]domain.ExpandedGroup{
		"no proxies": {},
		"http proxy": {Proxies: []domain.Proxy{{Type: domain.ProxyHTTP, Host: "h", Port: 80}}},
		// 第一个不支持时不会退而求其次
		"https first": {Proxies: []domain.Proxy{
			{Type: domain.ProxyHTTPS, Host: "h", Port: 443},
			{Type: domain.ProxyShadowsocks, Host: "s", Port: 1},
		}},
	}
	for name, group := range cases {
		got, err := ForwarderConfig(group)
		if err != nil {
			t.Fatalf("%s: ForwarderConfig: %v", name, err)
		}
		if len(got) != 0 {
			t.Fatalf("%s: expected empty forwarder config, got %s", name, got)
		}
	}
}

func TestActionFile_EmptyRuleSetsOnlyPollutionSection(t *testing.T) {
	t.Parallel()

	if got := ActionFile(nil, nil); got != ForwardRuleHeader {
		t.Fatalf("expected lone header, got %q", got)
	}

	got := ActionFile([]domain.RuleSet{{Name: "empty"}}, []string{"8.7.198.45", "37.61.54.158"})
	want := strings.Join([]string{
		"{+forward-rule}",
		"DNS-IP-CIDR, 8.7.198.45/32, PROXY",
		"DNS-IP-CIDR, 37.61.54.158/32, PROXY",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	if n := strings.Count(got, ForwardRuleHeader); n != 1 {
		t.Fatalf("expected exactly one header, got %d", n)
	}
}

func TestActionFile_BucketOrder(t *testing.T) {
	t.Parallel()

	ruleSets := []domain.RuleSet{
		{Rules: []domain.Rule{
			{Type: domain.RuleGeoIP, Value: "CN", Action: domain.ActionDirect},
			{Type: domain.RuleDomainSuffix, Value: "google.com", Action: domain.ActionProxy},
			{Type: domain.RuleIPCIDR, Value: "10.0.0.0/8", Action: domain.ActionDirect},
		}},
		{Rules: []domain.Rule{
			{Type: domain.RuleURL, Value: "example.com/ads", Action: domain.ActionReject},
			{Type: domain.RuleIPCIDR, Value: "192.168.0.0/16", Action: domain.ActionDirect},
		}},
	}

	got := ActionFile(ruleSets, []string{"1.1.1.1"})
	want := strings.Join([]string{
		"{+forward-rule}",
		"DOMAIN-SUFFIX, google.com, PROXY",
		"URL, example.com/ads, REJECT",
		"{+forward-rule}",
		"IP-CIDR, 10.0.0.0/8, DIRECT",
		"IP-CIDR, 192.168.0.0/16, DIRECT",
		"{+forward-rule}",
		"GEOIP, CN, DIRECT",
		"{+forward-rule}",
		"DNS-IP-CIDR, 1.1.1.1/32, PROXY",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestActionFile_SkipsEmptyBuckets(t *testing.T) {
	t.Parallel()

	ruleSets := []domain.RuleSet{{Rules: []domain.Rule{
		{Type: domain.RuleGeoIP, Value: "US", Action: domain.ActionProxy},
	}}}
	got := ActionFile(ruleSets, nil)
	want := "{+forward-rule}\nGEOIP, US, PROXY\n{+forward-rule}"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCompile_GlobalModeAndGeneral(t *testing.T) {
	t.Parallel()

	group := domain.ExpandedGroup{
		Group:   domain.ConfigurationGroup{DNS: "8.8.8.8", DefaultToProxy: true},
		Proxies: []domain.Proxy{{Type: domain.ProxyHTTP, Host: "h", Port: 80}},
	}
	out, err := Compile(group, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if out.General.DNS != "8.8.8.8" {
		t.Fatalf("unexpected dns %q", out.General.DNS)
	}
	// 上游存在（即使不参与转发）且 DefaultToProxy
	if !out.GlobalMode {
		t.Fatalf("expected global mode")
	}

	group.Proxies = nil
	out, _ = Compile(group, nil)
	if out.GlobalMode {
		t.Fatalf("expected global mode off without upstream proxy")
	}
}

func TestCompile_Deterministic(t *testing.T) {
	t.Parallel()

	group := domain.ExpandedGroup{
		Proxies:  []domain.Proxy{{Type: domain.ProxyShadowsocks, Host: "a", Port: 1}},
		RuleSets: []domain.RuleSet{{Rules: []domain.Rule{{Type: domain.RuleDomain, Value: "x.com", Action: domain.ActionProxy}}}},
	}
	a, _ := Compile(group, []string{"1.2.3.4"})
	b, _ := Compile(group, []string{"1.2.3.4"})
	if string(a.Forwarder) != string(b.Forwarder) || a.ActionText != b.ActionText {
		t.Fatalf("expected identical output across calls")
	}
}
