package store

import "time"

// TokenRecord is the persisted Cognito token pair.
// Raw tokens are hidden from API/JSON serialization via json:"-".
type TokenRecord struct {
	IDToken      string    `json:"-"`
	RefreshToken string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// tokenStorage is the internal struct used for DB serialization,
// preserving the tokens on disk.
type tokenStorage struct {
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SystemRecord is one Quilt system known to the bridge.
type SystemRecord struct {
	SystemID    string    `json:"system_id"`
	Name        string    `json:"name"`
	Timezone    string    `json:"timezone,omitempty"`
	LastRefresh time.Time `json:"last_refresh"`
}

// SpaceRecord is the last reconciled state of one space, kept so the bridge
// can republish a useful snapshot right after a restart.
type SpaceRecord struct {
	SpaceID     string         `json:"space_id"`
	SystemID    string         `json:"system_id"`
	Name        string         `json:"name,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Available   bool           `json:"available"`
	LastApplied time.Time      `json:"last_applied"`
	LastSeen    time.Time      `json:"last_seen"`
}
