package capacity

import (
	"fmt"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// Scope sources, as they appear in denial messages.
const (
	SourceConnection = "AI Connection"
	SourceResource   = "AI Resource"
	SourceAPIKey     = "API Key"
	SourceQuota      = "Quota"
	SourceDiscovered = "Discovered"
)

// ResourceKeyPrefix is the counter namespace shared by the connection,
// resource and API key scopes of one resource on one connection. The braces
// keep every key of a resource in one redis cluster slot.
func ResourceKeyPrefix(workspaceID, environmentID, resource, connectionID string) string {
	return fmt.Sprintf("capacity:{%s:%s:%s:%s}:resource-usage:", workspaceID, environmentID, resource, connectionID)
}

func QuotaKeyPrefix(workspaceID string) string {
	return fmt.Sprintf("workspace:{%s}:usage:", workspaceID)
}

// DiscoveredKeyPrefix scopes vendor-reported limits to one connection and model.
func DiscoveredKeyPrefix(workspaceID, environmentID, connectionID, model string) string {
	return fmt.Sprintf("capacity:{%s:%s:%s}:discovered:%s:", workspaceID, environmentID, connectionID, model)
}

// withDimension extends prefix with the entry's dimension value, if any.
func withDimension(prefix string, entry models.CapacityEntry, sourceIP string) (string, string) {
	if entry.Dimension == models.DimensionSourceIP {
		return prefix + "source-ip:" + sourceIP + ":", sourceIP
	}
	return prefix, ""
}

// LedgerKey is the base key of one period; the store appends ":requests"
// and ":tokens".
func LedgerKey(prefix string, period models.CapacityPeriod) string {
	return prefix + string(period)
}

func requestsKey(key string) string { return key + ":requests" }

func tokensKey(key string) string { return key + ":tokens" }
