// Package search indexes archived transcripts in Meilisearch with a
// Postgres fallback when the index is unreachable.
package search

// TranscriptRecord is the data we index for an archived transcript.
type TranscriptRecord struct {
	ID         string `json:"id"`
	ServerID   string `json:"serverId"`
	ChannelID  string `json:"channelId"`
	OwnerID    string `json:"ownerId"`
	Scope      string `json:"scope"`
	Body       string `json:"body"`
	ObjectKey  string `json:"objectKey"`
	Incomplete bool   `json:"incomplete"`
	CreatedAt  string `json:"createdAt"`
}

// Query describes a transcript search request, scoped to one server.
type Query struct {
	ServerID string
	Text     string
	Limit    int
}

// Result is a single transcript hit.
type Result struct {
	ID        string `json:"id"`
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
	OwnerID   string `json:"ownerId"`
	Scope     string `json:"scope"`
	ObjectKey string `json:"objectKey"`
	Snippet   string `json:"snippet"`
}

// Response is the envelope returned by a search.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
