package missive

// Conversation is a Missive conversation as returned by the list endpoint.
// Only the fields the sync pipeline reads are mapped.
type Conversation struct {
	ID               string   `json:"id"`
	Subject          string   `json:"subject"`
	LastActivityAt   int64    `json:"last_activity_at"`
	AttachmentsCount int      `json:"attachments_count"`
	Team             *Team    `json:"team,omitempty"`
	LatestMessage    *Message `json:"latest_message,omitempty"`
}

// Team is the Missive team a conversation belongs to. Its name doubles as
// the project folder in the local storage tree.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HasAttachments is the cheap metadata check the poller filters on. It never
// opens attachment bytes.
func (c *Conversation) HasAttachments() bool {
	if c.AttachmentsCount > 0 {
		return true
	}
	return c.LatestMessage != nil && len(c.LatestMessage.Attachments) > 0
}

// Message is a Missive message with its attachments.
type Message struct {
	ID          string       `json:"id"`
	Subject     string       `json:"subject"`
	DeliveredAt int64        `json:"delivered_at"`
	From        *Contact     `json:"from_field,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Contact identifies a message sender.
type Contact struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Attachment is a file attached to a message. URL is a signed download URL
// with a time-boxed authorization; it goes stale between discovery and
// processing, so consumers must be prepared to refresh it.
type Attachment struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	SubType   string `json:"sub_type"`
	Size      int64  `json:"size"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

type messageResponse struct {
	Messages Message `json:"messages"`
}
