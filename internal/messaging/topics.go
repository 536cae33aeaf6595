package messaging

// Topic constants for the miner event feed
const (
	TopicShares       = "miner.shares"        // one event per share outcome
	TopicPoolSwitches = "miner.pool_switches" // active pool changes
	TopicStatus       = "miner.status"        // periodic pool and device tables
)
