package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/muhammadmuzzammil1998/jsonc"

	"tunnelmgr/backend/domain"
)

// SchemaVersion 当前架构版本
const SchemaVersion = "1.0.0"

// Migrator 版本校验器（仅接受当前 schemaVersion）
type Migrator struct{}

// NewMigrator 创建校验器
func NewMigrator() *Migrator {
	return &Migrator{}
}

// Migrate 解析并校验版本
// state.json 允许手工编辑，注释与尾逗号先经 jsonc 归一化为标准 JSON。
func (m *Migrator) Migrate(data []byte) (domain.ServiceState, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.ServiceState{SchemaVersion: SchemaVersion}, nil
	}
	data = jsonc.ToJSON(data)

	// 先只解析 schemaVersion，避免直接丢字段导致不可逆数据丢失。
	var meta struct {
		SchemaVersion string `json:"schemaVersion,omitempty"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.ServiceState{}, fmt.Errorf("failed to parse state: %w", err)
	}

	switch meta.SchemaVersion {
	case "", SchemaVersion:
		// 未写 schemaVersion 的手工文件按当前结构尽力解析
		var state domain.ServiceState
		if err := json.Unmarshal(data, &state); err != nil {
			return domain.ServiceState{}, fmt.Errorf("failed to parse state: %w", err)
		}
		state.SchemaVersion = SchemaVersion
		if state.GeneratedAt.IsZero() {
			state.GeneratedAt = time.Now()
		}
		return sanitizeServiceState(state), nil
	default:
		return domain.ServiceState{}, fmt.Errorf("unsupported schemaVersion %s (expected %s)", meta.SchemaVersion, SchemaVersion)
	}
}

func sanitizeServiceState(state domain.ServiceState) domain.ServiceState {
	// 规则文本原样写入 action 文件，去掉首尾空白避免产生空行
	for i := range state.RuleSets {
		rules := state.RuleSets[i].Rules[:0]
		for _, r := range state.RuleSets[i].Rules {
			r.Value = strings.TrimSpace(r.Value)
			if r.Value == "" {
				continue
			}
			r.Type = domain.RuleType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
			r.Action = domain.RuleAction(strings.ToUpper(strings.TrimSpace(string(r.Action))))
			rules = append(rules, r)
		}
		state.RuleSets[i].Rules = rules
	}

	// 引用列表去掉空 ID
	for i := range state.Groups {
		state.Groups[i].ProxyIDs = dropEmpty(state.Groups[i].ProxyIDs)
		state.Groups[i].RuleSetIDs = dropEmpty(state.Groups[i].RuleSetIDs)
	}
	return state
}

func dropEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
