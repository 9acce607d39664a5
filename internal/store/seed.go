package store

// NewUserTemplate returns the baseline profile for an unverified user.
// Verification may later upgrade role, security level and admin channels.
func NewUserTemplate() User {
	return User{
		Country:       CountryUnknown,
		Avatar:        "https://picsum.photos/200/200",
		Status:        "Unverified",
		Language:      "English",
		Role:          RoleCitizen,
		SecurityLevel: 1,
		TrustScore:    50,
		AdminChannels: []string{},
	}
}

// SystemAdmin is the hidden system identity that authors channel welcome
// messages and broadcast content.
func SystemAdmin() User {
	return User{
		ID:            SystemSenderID,
		Name:          "SIGMAX CENTRAL",
		PhoneNumber:   "000-000",
		Country:       CountryUnknown,
		Status:        "System",
		Language:      "English",
		Role:          RoleAdmin,
		SecurityLevel: 5,
		TrustScore:    100,
	}
}

// DefaultSessions returns the pre-provisioned channel set used when nothing
// has ever been stored: the public broadcast channel plus the restricted
// admin channels. Fresh copies every call; callers own the result.
func DefaultSessions(nowMillis int64) []ChatSession {
	seed := func(id, name string, sessType SessionType, enc EncryptionLevel, adminOnly bool, welcome string, priority Priority) ChatSession {
		return ChatSession{
			ID: id,
			Participants: []User{},
			Messages: []Message{{
				ID:        "m_seed_" + id,
				SenderID:  SystemSenderID,
				Content:   welcome,
				Timestamp: nowMillis,
				Type:      MessageSystem,
				Priority:  priority,
			}},
			LastMessageTimestamp: nowMillis,
			IsGroup:              true,
			Name:                 name,
			Type:                 sessType,
			EncryptionLevel:      enc,
			AdminOnly:            adminOnly,
		}
	}

	return []ChatSession{
		// Visible to all, write-only for admins.
		seed(BroadcastChannelID, "ALLIANCE BROADCASTS", SessionBroadcast, EncryptionStandard, false,
			"GLOBAL SIGMAX ALLIANCE BROADCAST SYSTEM ONLINE.", PriorityNormal),
		seed("admin_sir", "ADMINS.S.I.R CHANNEL", SessionGroup, EncryptionMilitary, true,
			"WELCOME TO ADMINS.S.I.R CHANNEL. AUTHORIZED PERSONNEL ONLY.", PriorityCritical),
		seed("admin_sigmax", "ADMINS.SIGMAX CHANNEL", SessionGroup, EncryptionQuantum, true,
			"WELCOME TO ADMINS.SIGMAX CHANNEL. HIGH COMMAND UPLINK ACTIVE.", PriorityCritical),
		seed("admin_rsd", "ADMINS.R.S.D CHANNEL", SessionGroup, EncryptionMilitary, true,
			"WELCOME TO ADMINS.R.S.D CHANNEL. RESEARCH & SECURITY DIVISION.", PriorityCritical),
		seed("infinity_force", "INFINITY FORCE CHANNEL", SessionGroup, EncryptionQuantum, true,
			"INFINITY FORCE CHANNEL INITIALIZED. OMEGA LEVEL THREATS ONLY.", PriorityEmergency),
	}
}
