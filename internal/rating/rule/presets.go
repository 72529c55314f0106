package rule

import (
	"github.com/bwmarrin/snowflake"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/shopspring/decimal"
)

// Entity is an identified preset variable (account, domain, project, zone).
type Entity struct {
	ID   snowflake.ID
	Name string
}

// ResourceValue describes the resource being rated.
type ResourceValue struct {
	ResourceID snowflake.ID
	// Quantity is the metered raw usage of the record or group.
	Quantity decimal.Decimal
	// SizeBytes is the provisioned capacity for capacity-based types.
	SizeBytes int64
}

// ProcessedData carries the monthly pass's pre-aggregated view of a
// resource group. Nil for by-entry evaluations.
type ProcessedData struct {
	Quantity    decimal.Decimal
	RecordCount int
}

// Environment is the fixed variable context an activation rule sees.
type Environment struct {
	Account      *Entity
	Domain       *Entity
	Project      *Entity
	Zone         *Entity
	ResourceType string
	Value        *ResourceValue
	Processed    *ProcessedData
	// LastTariffs lists the contributions already produced earlier in the
	// same pass, in catalog order, so later tariffs can reference them.
	LastTariffs []tariffdomain.Contribution
}

// toMap flattens the environment into the VM's variable space. Quantities
// are exposed as float64 because the expression VM computes in native
// numbers; the rule's result is re-parsed into a decimal by the caller, so
// core arithmetic stays decimal.
func (env Environment) toMap() map[string]any {
	vars := map[string]any{
		"account":      entityMap(env.Account),
		"domain":       entityMap(env.Domain),
		"project":      entityMap(env.Project),
		"zone":         entityMap(env.Zone),
		"resourceType": env.ResourceType,
		"value":        nil,
		"processed":    nil,
		"lastTariffs":  contributionList(env.LastTariffs),
	}

	if env.Value != nil {
		vars["value"] = map[string]any{
			"id":       env.Value.ResourceID.String(),
			"quantity": env.Value.Quantity.InexactFloat64(),
			"size":     env.Value.SizeBytes,
		}
	}
	if env.Processed != nil {
		vars["processed"] = map[string]any{
			"quantity": env.Processed.Quantity.InexactFloat64(),
			"records":  env.Processed.RecordCount,
		}
	}
	return vars
}

func entityMap(e *Entity) any {
	if e == nil {
		return nil
	}
	return map[string]any{
		"id":   e.ID.String(),
		"name": e.Name,
	}
}

func contributionList(contributions []tariffdomain.Contribution) []any {
	list := make([]any, 0, len(contributions))
	for _, c := range contributions {
		list = append(list, map[string]any{
			"id":    c.TariffID.String(),
			"value": c.Value.InexactFloat64(),
		})
	}
	return list
}
