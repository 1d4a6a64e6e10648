package config

const (
	// TopicEmbedNotify carries upstream job-completion notifications (same body as the webhook).
	TopicEmbedNotify = "embed.notify"

	// TopicEmbedDocument carries ready-to-embed documents that bypass the job queue.
	TopicEmbedDocument = "embed.document"

	// ChannelEmbedder is the NSQ channel the daemon consumes on.
	ChannelEmbedder = "embedder"
)
