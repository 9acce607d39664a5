package store

// Role classifies a user within the alliance hierarchy. Roles are assigned
// by the verification outcome at login and never by the user's own actions.
type Role string

const (
	RoleCitizen  Role = "CITIZEN"
	RoleOfficial Role = "OFFICIAL"
	RoleDiplomat Role = "DIPLOMAT"
	RoleCouncil  Role = "COUNCIL"
	RoleIntelOps Role = "INTEL_OPS"
	RoleAdmin    Role = "ADMIN"
)

// Priority of a message. CRITICAL sends are gated by the oracle security
// check before they reach storage.
type Priority string

const (
	PriorityNormal    Priority = "NORMAL"
	PriorityHigh      Priority = "HIGH"
	PriorityCritical  Priority = "CRITICAL"
	PriorityEmergency Priority = "EMERGENCY_BROADCAST"
)

type SessionType string

const (
	SessionDirect    SessionType = "DIRECT"
	SessionGroup     SessionType = "GROUP"
	SessionBroadcast SessionType = "BROADCAST_CHANNEL"
)

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageSystem  MessageType = "system"
	MessageMiniApp MessageType = "mini-app"
)

// Encryption levels are labels only; no cipher is implemented behind them.
type EncryptionLevel string

const (
	EncryptionStandard EncryptionLevel = "STANDARD"
	EncryptionQuantum  EncryptionLevel = "QUANTUM_SECURE"
	EncryptionMilitary EncryptionLevel = "MILITARY_GRADE"
)

const (
	CountryUnknown = "UNKNOWN"
	CountryMulti   = "MULTI"
)

// Reserved ids. BroadcastChannelID is readable by everyone regardless of the
// viewer's admin-channel set; MeetingLogChannelID collects conference
// summaries; SystemSenderID stamps system messages.
const (
	BroadcastChannelID  = "c_broadcasts"
	MeetingLogChannelID = "c_meetings"
	SystemSenderID      = "system_admin"
)

type User struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	PhoneNumber   string   `json:"phoneNumber"`
	Country       string   `json:"country"`
	Avatar        string   `json:"avatar,omitempty"`
	Status        string   `json:"status,omitempty"`
	Language      string   `json:"language,omitempty"`
	Role          Role     `json:"role"`
	SecurityLevel int      `json:"securityLevel"`
	TrustScore    int      `json:"trustScore"`
	IsVerified    bool     `json:"isVerified,omitempty"`
	AdminChannels []string `json:"adminChannels,omitempty"`
	BlockedUsers  []string `json:"blockedUsers,omitempty"`
}

// HasAdminChannel reports whether id is in the user's admin-channel set.
// Order within the set is irrelevant.
func (u User) HasAdminChannel(id string) bool {
	for _, ch := range u.AdminChannels {
		if ch == id {
			return true
		}
	}
	return false
}

// HasBlocked reports whether the user has blocked senderID.
func (u User) HasBlocked(senderID string) bool {
	for _, id := range u.BlockedUsers {
		if id == senderID {
			return true
		}
	}
	return false
}

// ImageIntel is an after-the-fact annotation produced by the oracle's image
// analysis. Advisory only.
type ImageIntel struct {
	ThreatLevel string   `json:"threatLevel"`
	Analysis    string   `json:"analysis"`
	Details     []string `json:"details,omitempty"`
}

// MiniAppConfig describes a generated micro-application embedded in a
// mini-app message.
type MiniAppConfig struct {
	AppType     string         `json:"appType"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	FormFields  []MiniAppField `json:"formFields,omitempty"`
}

type MiniAppField struct {
	Label string `json:"label"`
	Key   string `json:"key"`
	Type  string `json:"type"`
}

// MiniAppData is the interactive payload of a mini-app message (polls,
// votes, resource requests, generated apps).
type MiniAppData struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Options []string       `json:"options,omitempty"`
	Votes   map[string]int `json:"votes,omitempty"`
	Status  string         `json:"status,omitempty"`
	Config  *MiniAppConfig `json:"config,omitempty"`
}

// Message is immutable once stored except for its reaction map, translation
// cache and analysis annotation. Timestamps are unix milliseconds so the
// serialized form matches across instances.
type Message struct {
	ID                string              `json:"id"`
	SenderID          string              `json:"senderId"`
	Content           string              `json:"content"`
	Timestamp         int64               `json:"timestamp"`
	Type              MessageType         `json:"type"`
	Priority          Priority            `json:"priority"`
	TranslatedContent string              `json:"translatedContent,omitempty"`
	MiniApp           *MiniAppData        `json:"miniAppData,omitempty"`
	OriginCountry     string              `json:"originCountry,omitempty"`
	DestCountry       string              `json:"destCountry,omitempty"`
	IsEphemeral       bool                `json:"isEphemeral,omitempty"`
	ExpiresAt         int64               `json:"expiresAt,omitempty"`
	Reactions         map[string][]string `json:"reactions,omitempty"`
	ImageIntel        *ImageIntel         `json:"imageAnalysis,omitempty"`
}

// Expired reports whether an ephemeral message has passed its expiry at the
// given unix-millisecond clock. Expired messages are hidden at render time,
// never deleted from the stored sequence.
func (m Message) Expired(nowMillis int64) bool {
	return m.IsEphemeral && m.ExpiresAt > 0 && nowMillis >= m.ExpiresAt
}

// ChatSession is a direct, group or broadcast thread. The session owns its
// message sequence; participant entries are snapshots and not authoritative.
type ChatSession struct {
	ID                   string          `json:"id"`
	Participants         []User          `json:"participants"`
	Messages             []Message       `json:"messages"`
	LastMessageTimestamp int64           `json:"lastMessageTimestamp"`
	UnreadCount          int             `json:"unreadCount"`
	IsGroup              bool            `json:"isGroup"`
	Name                 string          `json:"name,omitempty"`
	Type                 SessionType     `json:"type"`
	EncryptionLevel      EncryptionLevel `json:"encryptionLevel"`
	AdminOnly            bool            `json:"adminOnly,omitempty"`
}
