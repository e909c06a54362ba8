package domain

import "time"

// Account is a user of the external site whose daily check-in the engine performs.
type Account struct {
	ID   string
	Name string

	// Credentials maps cookie name to value. Values are stored byte-for-byte.
	Credentials map[string]string

	TriggerTime TriggerTime
	Timezone    string // IANA name; empty uses the engine default
	Enabled     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedulable reports whether the account may enter the Due state.
func (a Account) Schedulable() bool {
	return a.Enabled && len(a.Credentials) > 0
}
