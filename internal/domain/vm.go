package domain

import "time"

// VM is the normalized record of a provider instance.
type VM struct {
	ID           string            `json:"id"`
	Password     string            `json:"pass"`
	Host         string            `json:"host"`
	PrivateIP    string            `json:"private_ip"`
	State        string            `json:"state"`
	Tags         map[string]string `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"creation_date"`
	Provider     string            `json:"provider"` // pool name, e.g. "dockerLarge"
	OriginalName string            `json:"originalName,omitempty"`
	Large        bool              `json:"large"`
}

// Age returns how long the instance has existed at now.
// A zero CreatedAt yields zero, which never passes an age guard.
func (v *VM) Age(now time.Time) time.Duration {
	if v.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(v.CreatedAt)
}

// HealthURL returns the readiness endpoint for this instance.
func (v *VM) HealthURL() string {
	return "https://" + v.Host + "/healthz"
}

// AssignedVM is a VM handed out to a session.
type AssignedVM struct {
	VM
	AssignTime       time.Time `json:"assignTime"`
	ControllerClient string    `json:"controllerClient,omitempty"`
	CreatorUID       string    `json:"creatorUID,omitempty"`
	CreatorClientID  string    `json:"creatorClientID,omitempty"`
}

// SessionLimit returns the maximum time a session may hold this instance.
func (a *AssignedVM) SessionLimit() time.Duration {
	return SessionLimit(a.Large)
}

// SessionLimit returns the session ceiling for a size class.
func SessionLimit(large bool) time.Duration {
	if large {
		return 12 * time.Hour
	}
	return 3 * time.Hour
}
