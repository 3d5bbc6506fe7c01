package node

// Phase is one step of the ordered startup sequence.
type Phase uint8

const (
	PhaseRedisConnected Phase = iota + 1
	PhaseCoreServices
	PhaseFeedService
	PhaseDiffTransform
	PhaseRSSFeeds
	PhaseSyntheticSpot
	PhaseEntityBridge
	PhaseRuntime
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseRedisConnected:
		return "redis_connected"
	case PhaseCoreServices:
		return "core_services_started"
	case PhaseFeedService:
		return "feed_service_initialized"
	case PhaseDiffTransform:
		return "diff_transform_active"
	case PhaseRSSFeeds:
		return "rss_feeds_initialized"
	case PhaseSyntheticSpot:
		return "synthetic_spot_initialized"
	case PhaseEntityBridge:
		return "entity_bridge_initialized"
	case PhaseRuntime:
		return "runtime_started"
	case PhaseComplete:
		return "startup_complete"
	default:
		return "unknown"
	}
}
