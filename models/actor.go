package models

type Actor struct {
	Context           []string  `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Icon              *Image    `json:"icon,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox,omitempty"`
	Followers         string    `json:"followers,omitempty"`
	Following         string    `json:"following,omitempty"`
	PubKey            PublicKey `json:"publicKey"`
}

type PublicKey struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	PubKeyPem string `json:"publicKeyPem"`
}

type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type WebFingerResp struct {
	Subject string `json:"subject"`
	Links   []Link `json:"links"`
}

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}
