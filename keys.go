package chainfeed

import "strings"

// Bus key schema. These strings are the contract with downstream consumers
// (SSE gateways, UI, analytics) and must match bit-exactly.
const (
	KeyTruthSchema    = "truth:integration:schema"
	KeyStartupStatus  = "truth:system:startup_status"
	KeyShutdownNotice = "truth:system:shutdown_notice"
	KeyMeshState      = "mesh:state"
	KeyFeedRegistry   = "truth:feed:registry"
	KeyRSSRegistry    = "truth:feed:rss:registry"

	ChannelTruthUpdate = "truth:update:schema"
	ChannelMeshUpdate  = "mesh:update"
	ChannelSystemAlert = "truth:alert:system"
)

// KeyNodeHeartbeat returns the per-node heartbeat key.
func KeyNodeHeartbeat(nodeID string) string {
	return "truth:heartbeat:" + nodeID
}

// KeyGroupHeartbeat returns the per-group heartbeat key.
func KeyGroupHeartbeat(group string) string {
	return "heartbeat:" + group
}

// KeyChainRaw returns the raw chain frame key for a symbol.
func KeyChainRaw(symbol string) string {
	return "truth:chain:raw:" + strings.ToUpper(symbol)
}

// KeyChainFull returns the full chain frame key for a symbol.
func KeyChainFull(symbol string) string {
	return "truth:chain:full:" + strings.ToUpper(symbol)
}

// KeyChainPrev returns the previous full chain frame key for a symbol.
func KeyChainPrev(symbol string) string {
	return KeyChainFull(symbol) + ":prev"
}

// KeyChainDiff returns the chain diff key for a symbol.
func KeyChainDiff(symbol string) string {
	return "truth:chain:diff:" + strings.ToUpper(symbol)
}

// KeySpot returns the spot quote key for a symbol or synthetic name.
func KeySpot(symbol string) string {
	return "truth:spot:" + symbol
}

// KeyFeedSnapshot returns the live snapshot key read by the synthetic
// spot worker for component symbols.
func KeyFeedSnapshot(symbol string) string {
	return "truth:feed:" + symbol + ":snapshot"
}

// KeyFeedStatus returns the per-symbol feed status key.
func KeyFeedStatus(symbol string) string {
	return "truth:feed:" + symbol + ":status"
}

// KeyFeedValidation returns the market-state validation record key.
func KeyFeedValidation(symbol string) string {
	return "truth:feed:" + symbol + ":validation"
}

// KeyProviderStatus returns the provider liveness key.
func KeyProviderStatus(name string) string {
	return "truth:provider:" + name + ":status"
}

// KeyProviderMetadata returns the provider descriptor key.
func KeyProviderMetadata(name string) string {
	return "truth:provider:" + name + ":metadata"
}

// KeyRSSItem returns the key for one ingested article.
func KeyRSSItem(group, uid string) string {
	return "truth:feed:rss:" + group + ":" + uid
}

// KeyRSSMetrics returns the per-group RSS metrics key.
func KeyRSSMetrics(group string) string {
	return "truth:feed:rss:metrics:" + group
}

// KeyEntitySeat returns the entity identity record key for a node.
func KeyEntitySeat(nodeID string) string {
	return "truth:node:entity:" + nodeID
}

// KeyEntityPresence returns the entity presence key.
func KeyEntityPresence(name string) string {
	return "truth:convexity:presence:" + slugify(name)
}

// KeyEntityContract returns the entity contract key.
func KeyEntityContract(name string) string {
	return "truth:convexity:contract:" + slugify(name)
}

func slugify(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}
