package models

type OrderedCollection struct {
	Context    []string               `json:"@context"`
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	TotalItems int                    `json:"totalItems"`
	First      *OrderedCollectionPage `json:"first,omitempty"`
}

type OrderedCollectionPage struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	PartOf       string `json:"partOf"`
	Next         string `json:"next,omitempty"`
	OrderedItems []any  `json:"orderedItems"`
}
