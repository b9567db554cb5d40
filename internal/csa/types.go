package csa

// Wire shapes for the CSA marketplace portal API. Only the consumed fields
// are declared; the platform returns far larger documents.

type tokenRequest struct {
	PasswordCredentials passwordCredentials `json:"passwordCredentials"`
	TenantName          string              `json:"tenantName"`
}

type passwordCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token struct {
		ID      string `json:"id"`
		Expires string `json:"expires"`
	} `json:"token"`
}

type nameFilter struct {
	Name string `json:"name"`
}

type category struct {
	Name string `json:"name"`
}

// member is one entry of a filter result (offerings, subscriptions and
// instances share the envelope).
type member struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	CatalogID       string   `json:"catalogId"`
	OfferingVersion string   `json:"offeringVersion"`
	Category        category `json:"category"`
}

type memberList struct {
	Members []member `json:"members"`
}

type offeringDetail struct {
	ID        string          `json:"id"`
	CatalogID string          `json:"catalogId"`
	Category  category        `json:"category"`
	Fields    []offeringField `json:"fields"`
}

// offeringField uses a pointer Value so an absent default is distinguishable
// from an empty one.
type offeringField struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value *string `json:"value"`
}

// orderRequest is the JSON payload carried in the multipart requestForm part
// of an order or cancel submission.
type orderRequest struct {
	Action                  string            `json:"action"`
	CategoryName            string            `json:"categoryName,omitempty"`
	SubscriptionName        string            `json:"subscriptionName,omitempty"`
	SubscriptionDescription string            `json:"subscriptionDescription,omitempty"`
	StartDate               string            `json:"startDate,omitempty"`
	Fields                  map[string]string `json:"fields,omitempty"`
}

// StatusResult is the identity and status returned by a name-filter match.
type StatusResult struct {
	ID        string
	CatalogID string
	Status    string
}
