package messaging

// Topic constants for the tokenforge messaging system
const (
	TopicShares         = "tokenforge.shares"          // minerd → shareproc
	TopicShareResults   = "tokenforge.share_results"   // shareproc → consumers
	TopicTokenCompleted = "tokenforge.token_completed" // shareproc → consumers
	TopicMinerProgress  = "tokenforge.miner_progress"  // minerd → shareproc (protobuf)
)
