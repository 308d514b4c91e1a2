// Package builtin holds the plugins compiled into the host. They are
// installed by tenants like on-disk plugins and always run in-process.
package builtin

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/platinummonkey/plugind/pkg/plugins"
)

// AuditID is the id tenants install the audit plugin under
const AuditID = "audit"

// Register adds every built-in plugin to catalog
func Register(catalog *plugins.Catalog) error {
	return catalog.Add(AuditID, func() plugins.Plugin { return NewAudit() })
}

// Audit writes an audit line to the plugin log for every created entity and
// login of its tenant, and serves a per-type count at GET /summary.
type Audit struct {
	mu     sync.Mutex
	counts map[string]int64
	logins int64
}

// NewAudit creates an audit plugin for one installation
func NewAudit() *Audit {
	return &Audit{counts: make(map[string]int64)}
}

func (a *Audit) Info() plugins.Info {
	return plugins.Info{ID: AuditID, Name: "Audit Trail", Version: "1.0.0"}
}

type entity struct {
	Type string      `json:"type"`
	ID   interface{} `json:"id"`
}

func (a *Audit) Register(ctx context.Context, host plugins.Host) error {
	log := host.Logger()
	tenant := host.TenantID()

	host.Admin().AddMenuItem("Audit trail", "/"+AuditID+"/summary")

	err := host.Hooks().Register("entity.created", func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		var e entity
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		if e.Type == "" {
			e.Type = "unknown"
		}

		a.mu.Lock()
		a.counts[e.Type]++
		a.mu.Unlock()

		log.Info("entity created", map[string]interface{}{
			"entity_type": e.Type,
			"entity_id":   e.ID,
			"user_id":     meta.UserID,
		})
		return nil, nil
	})
	if err != nil {
		return err
	}

	err = host.Hooks().Register("user.login", func(ctx context.Context, payload json.RawMessage, meta plugins.HookMeta) (json.RawMessage, error) {
		a.mu.Lock()
		a.logins++
		a.mu.Unlock()
		log.Info("user logged in", map[string]interface{}{"user_id": meta.UserID})
		return nil, nil
	})
	if err != nil {
		return err
	}

	return host.API().RegisterRoute("GET", "/summary", func(ctx context.Context, req plugins.RouteRequest) (*plugins.RouteResponse, error) {
		body, err := json.Marshal(a.summary(tenant))
		if err != nil {
			return nil, err
		}
		return &plugins.RouteResponse{Body: body}, nil
	})
}

// Summary is served at GET /summary
type Summary struct {
	TenantID string           `json:"tenantId"`
	Entities map[string]int64 `json:"entities"`
	Types    []string         `json:"types"`
	Logins   int64            `json:"logins"`
}

func (a *Audit) summary(tenant string) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{TenantID: tenant, Entities: make(map[string]int64, len(a.counts)), Types: []string{}, Logins: a.logins}
	for k, v := range a.counts {
		s.Entities[k] = v
		s.Types = append(s.Types, k)
	}
	sort.Strings(s.Types)
	return s
}
