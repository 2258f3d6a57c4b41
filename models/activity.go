package models

// Activity is the outbound envelope for Create, Update, Delete, Follow,
// Undo and Accept. Object is a Note, a Tombstone, a bare URI string or a
// nested Activity depending on Type.
type Activity struct {
	Context []string `json:"@context,omitempty"`
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor,omitempty"`
	To      []string `json:"to,omitempty"`
	Cc      []string `json:"cc,omitempty"`
	Object  any      `json:"object,omitempty"`
}

type Note struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Published    string   `json:"published,omitempty"`
	AttributedTo string   `json:"attributedTo,omitempty"`
	Content      string   `json:"content"`
	URL          string   `json:"url,omitempty"`
	To           []string `json:"to,omitempty"`
	Tag          []Tag    `json:"tag,omitempty"`
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

type Tombstone struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
