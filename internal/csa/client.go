package csa

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/kompot/internal/model"
)

const (
	offeringFilterPath     = "/csa/api/mpp/mpp-offering/filter"
	offeringPath           = "/csa/api/mpp/mpp-offering/"
	requestPath            = "/csa/api/mpp/mpp-request/"
	subscriptionFilterPath = "/csa/api/mpp/mpp-subscription/filter"
	subscriptionPath       = "/csa/api/mpp/mpp-subscription/"
	instanceFilterPath     = "/csa/api/mpp/mpp-instance/filter"
	instancePath           = "/csa/api/mpp/mpp-instance/"

	actionOrder  = "ORDER"
	actionCancel = "CANCEL_SUBSCRIPTION"

	// startDateLayout matches the platform's expected timestamp: millisecond
	// precision with an explicit zero offset.
	startDateLayout = "2006-01-02T15:04:05.000-00:00"
)

// Client translates orchestration intents into authenticated calls against
// the CSA platform. It is stateless per call; all connection and token state
// lives in the session.
type Client struct {
	session *Session
	logger  *slog.Logger
}

// NewClient creates a catalog client on top of an authenticated session.
func NewClient(session *Session, logger *slog.Logger) *Client {
	return &Client{session: session, logger: logger}
}

// ResolveOffer looks up an offering by name and fetches its full field
// definitions. With no requested version the last member of the filter result
// is taken as latest; an exact offeringVersion match overrides that choice.
func (c *Client) ResolveOffer(ctx context.Context, offeringName, offeringVersion string) (*model.Offer, error) {
	const op = "resolve offer"

	c.logger.Info("resolving offer", "offering", offeringName, "version", offeringVersion)

	var list memberList
	if err := c.postJSON(ctx, op, offeringFilterPath, nil, nameFilter{Name: offeringName}, &list); err != nil {
		return nil, err
	}
	if len(list.Members) == 0 {
		return nil, fmt.Errorf("%s: offering %q not found", op, offeringName)
	}

	chosen := list.Members[len(list.Members)-1]
	if offeringVersion != "" {
		for _, m := range list.Members {
			if m.OfferingVersion == offeringVersion {
				chosen = m
			}
		}
	}

	query := url.Values{}
	query.Set("catalogId", chosen.CatalogID)
	query.Set("category", chosen.Category.Name)
	query.Set("returnDynamicValues", "false")

	var detail offeringDetail
	if err := c.getJSON(ctx, op, offeringPath+chosen.ID, query, &detail); err != nil {
		return nil, err
	}

	offer := &model.Offer{
		ID:        detail.ID,
		CatalogID: detail.CatalogID,
		Category:  detail.Category.Name,
		Version:   chosen.OfferingVersion,
	}
	for _, f := range detail.Fields {
		field := model.OfferField{ID: f.ID, Name: f.Name}
		if f.Value != nil {
			field.Value = *f.Value
			field.HasValue = true
		}
		offer.Fields = append(offer.Fields, field)
	}
	return offer, nil
}

// BuildFields resolves an offer's field definitions against the order's
// service options. A caller-supplied option (matched by field name) wins over
// the field's own default; fields with neither are omitted. The result is
// keyed by field id, which is what the order endpoint expects.
func BuildFields(offer *model.Offer, serviceOptions map[string]string) map[string]string {
	fields := make(map[string]string)
	for _, f := range offer.Fields {
		if v, ok := serviceOptions[f.Name]; ok {
			fields[f.ID] = v
			continue
		}
		if f.HasValue {
			fields[f.ID] = f.Value
		}
	}
	return fields
}

// SubmitOrder posts an order for the offer and returns the generated
// subscription name. Name uniqueness is probabilistic: prefix plus an 8-hex
// random suffix, collisions are not detected.
func (c *Client) SubmitOrder(ctx context.Context, offer *model.Offer, fields map[string]string, subscriptionPrefix string) (string, error) {
	const op = "submit order"

	name := subscriptionPrefix + nameSuffix()
	payload := orderRequest{
		Action:                  actionOrder,
		CategoryName:            offer.Category,
		SubscriptionName:        name,
		SubscriptionDescription: name,
		StartDate:               time.Now().UTC().Format(startDateLayout),
		Fields:                  fields,
	}

	c.logger.Info("submitting order", "subscription", name, "offer_id", offer.ID)

	query := url.Values{}
	query.Set("catalogId", offer.CatalogID)

	if err := c.postRequestForm(ctx, op, requestPath+offer.ID, query, payload); err != nil {
		return name, err
	}
	return name, nil
}

// QueryStatus filters subscriptions by name and returns the identity and
// status of the exact match. A filter result without the name yields
// ErrNoMatch, which is distinct from any platform status.
func (c *Client) QueryStatus(ctx context.Context, subscriptionName string) (*StatusResult, error) {
	const op = "query status"

	var list memberList
	if err := c.postJSON(ctx, op, subscriptionFilterPath, nil, nameFilter{Name: subscriptionName}, &list); err != nil {
		return nil, err
	}

	for _, m := range list.Members {
		if m.Name == subscriptionName {
			return &StatusResult{ID: m.ID, CatalogID: m.CatalogID, Status: m.Status}, nil
		}
	}
	return nil, fmt.Errorf("%s %q: %w", op, subscriptionName, ErrNoMatch)
}

// Cancel requests cancellation of a subscription. The platform does not
// guarantee idempotency; canceling an already-terminal subscription is
// best-effort and may come back as a soft failure.
func (c *Client) Cancel(ctx context.Context, subscriptionID, catalogID string) error {
	const op = "cancel subscription"

	c.logger.Info("canceling subscription", "subscription_id", subscriptionID)

	query := url.Values{}
	query.Set("catalogId", catalogID)

	return c.postRequestForm(ctx, op, requestPath+subscriptionID, query, orderRequest{Action: actionCancel})
}

// Delete removes a canceled subscription from the platform. Best-effort, like
// Cancel.
func (c *Client) Delete(ctx context.Context, subscriptionID string) error {
	const op = "delete subscription"

	c.logger.Info("deleting subscription", "subscription_id", subscriptionID)

	if err := c.session.EnsureValidToken(ctx); err != nil {
		return err
	}

	req, err := c.session.newRequest(ctx, http.MethodDelete, subscriptionPath+subscriptionID, nil, "", nil)
	if err != nil {
		return transportErr(op, err)
	}
	resp, err := c.session.do(req)
	if err != nil {
		observeCall(op, ErrKindTransport)
		return transportErr(op, err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		observeCall(op, ErrKindRemote)
		return remoteErr(op, resp.StatusCode, readBody(resp.Body))
	}
	observeCall(op, outcomeSuccess)
	return nil
}

// InstanceDetails fetches the full service-instance document for a
// subscription by name. The filter must match exactly one instance.
func (c *Client) InstanceDetails(ctx context.Context, subscriptionName string) (json.RawMessage, error) {
	const op = "instance details"

	var list memberList
	if err := c.postJSON(ctx, op, instanceFilterPath, nil, nameFilter{Name: subscriptionName}, &list); err != nil {
		return nil, err
	}
	if len(list.Members) != 1 {
		return nil, fmt.Errorf("%s %q: expected one instance, got %d", op, subscriptionName, len(list.Members))
	}

	instance := list.Members[0]
	query := url.Values{}
	query.Set("catalogId", instance.CatalogID)

	var doc json.RawMessage
	if err := c.getJSON(ctx, op, instancePath+instance.ID, query, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// postJSON issues an authenticated JSON POST and decodes a 2xx response into out.
func (c *Client) postJSON(ctx context.Context, op, path string, query url.Values, payload, out any) error {
	if err := c.session.EnsureValidToken(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return transportErr(op, err)
	}

	req, err := c.session.newRequest(ctx, http.MethodPost, path, query, "application/json", bytes.NewReader(body))
	if err != nil {
		return transportErr(op, err)
	}
	return c.decode(op, req, out)
}

// getJSON issues an authenticated GET and decodes a 2xx response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	if err := c.session.EnsureValidToken(ctx); err != nil {
		return err
	}

	req, err := c.session.newRequest(ctx, http.MethodGet, path, query, "", nil)
	if err != nil {
		return transportErr(op, err)
	}
	return c.decode(op, req, out)
}

// postRequestForm submits a multipart form whose single requestForm part
// carries the JSON payload, the shape the mpp-request endpoint expects.
func (c *Client) postRequestForm(ctx context.Context, op, path string, query url.Values, payload orderRequest) error {
	if err := c.session.EnsureValidToken(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return transportErr(op, err)
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="requestForm"`)
	header.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(header)
	if err != nil {
		return transportErr(op, err)
	}
	if _, err := part.Write(body); err != nil {
		return transportErr(op, err)
	}
	if err := mw.Close(); err != nil {
		return transportErr(op, err)
	}

	req, err := c.session.newRequest(ctx, http.MethodPost, path, query, mw.FormDataContentType(), &form)
	if err != nil {
		return transportErr(op, err)
	}
	return c.decode(op, req, nil)
}

// decode executes req, classifies the response by protocol status class and
// decodes the body into out when requested.
func (c *Client) decode(op string, req *http.Request, out any) error {
	resp, err := c.session.do(req)
	if err != nil {
		observeCall(op, ErrKindTransport)
		return transportErr(op, err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		observeCall(op, ErrKindRemote)
		return remoteErr(op, resp.StatusCode, readBody(resp.Body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			observeCall(op, ErrKindTransport)
			return transportErr(op, fmt.Errorf("decode response: %w", err))
		}
	}
	observeCall(op, outcomeSuccess)
	return nil
}

// readBody returns a bounded snippet of an error response body for logging.
func readBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "(no body)"
	}
	return string(b)
}

// nameSuffix returns 8 uppercase hex characters derived from a random UUID.
func nameSuffix() string {
	u := uuid.New()
	return string(bytes.ToUpper([]byte(hex.EncodeToString(u[:])[:8])))
}
