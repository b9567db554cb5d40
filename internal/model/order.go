package model

// Order is the immutable input describing one subscription to create: which
// offering to order, which version of it, and the option values to fill in.
type Order struct {
	OfferingName       string            `json:"offering_name"`
	OfferingVersion    string            `json:"offering_version,omitempty"`
	SubscriptionPrefix string            `json:"subscription_prefix"`
	ServiceOptions     map[string]string `json:"service_options,omitempty"`
}

// OfferField is one configurable field definition published with an offer.
// HasValue distinguishes "default is empty string" from "no default at all".
type OfferField struct {
	ID       string
	Name     string
	Value    string
	HasValue bool
}

// Offer is a catalog offering resolved for a single order. It is fetched once
// per order and read-only afterwards.
type Offer struct {
	ID        string
	CatalogID string
	Category  string
	Version   string
	Fields    []OfferField
}
