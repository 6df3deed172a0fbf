package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/code-payments/iap-tracker/iap"
)

type requestView struct {
	RequestID     string    `json:"request_id"`
	Sku           string    `json:"sku"`
	State         string    `json:"state"`
	PurchaseToken string    `json:"purchase_token,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newRequestView(request *iap.PurchaseRequest) requestView {
	return requestView{
		RequestID:     request.RequestID,
		Sku:           request.Sku,
		State:         request.State.String(),
		PurchaseToken: request.PurchaseToken,
		CreatedAt:     request.CreatedAt,
		UpdatedAt:     request.UpdatedAt,
	}
}

func (v requestView) String() string {
	token := v.PurchaseToken
	if token == "" {
		token = "-"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", v.RequestID, v.Sku, v.State, token)
}

type requestList []requestView

func (l requestList) String() string {
	if len(l) == 0 {
		return "no purchase requests"
	}

	lines := make([]string, 0, len(l))
	for _, v := range l {
		lines = append(lines, v.String())
	}
	return strings.Join(lines, "\n")
}

type tokenView struct {
	PurchaseToken string `json:"purchase_token"`
	Fulfilled     bool   `json:"fulfilled"`
}

func (v tokenView) String() string {
	if v.Fulfilled {
		return v.PurchaseToken + " fulfilled"
	}
	return v.PurchaseToken + " not fulfilled"
}

type skuView struct {
	Sku      string `json:"sku"`
	Owned    int    `json:"owned"`
	Consumed int    `json:"consumed"`
}

func newSkuView(record *iap.SkuRecord) skuView {
	return skuView{
		Sku:      record.Sku,
		Owned:    record.OwnedQuantity,
		Consumed: record.ConsumedQuantity,
	}
}

func (v skuView) String() string {
	return fmt.Sprintf("%s owned=%d consumed=%d", v.Sku, v.Owned, v.Consumed)
}

type fulfillmentView struct {
	RequestID     string `json:"request_id"`
	Sku           string `json:"sku"`
	PurchaseToken string `json:"purchase_token"`
	Quantity      int    `json:"quantity,omitempty"`
	Entitlement   bool   `json:"entitlement,omitempty"`
}

type reconcileView struct {
	UserID      string            `json:"user_id"`
	UserChanged bool              `json:"user_changed"`
	Fulfilled   []fulfillmentView `json:"fulfilled"`
	Events      []string          `json:"events,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
}

func (v reconcileView) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "user %s", v.UserID)
	if v.UserChanged {
		sb.WriteString(" (changed)")
	}
	fmt.Fprintf(&sb, ": %d fulfilled", len(v.Fulfilled))

	for _, f := range v.Fulfilled {
		grant := fmt.Sprintf("+%d", f.Quantity)
		if f.Entitlement {
			grant = "entitlement"
		}
		fmt.Fprintf(&sb, "\n  %s\t%s\t%s\t%s", f.RequestID, f.Sku, f.PurchaseToken, grant)
	}
	for _, e := range v.Events {
		fmt.Fprintf(&sb, "\n  event: %s", e)
	}
	for _, err := range v.Errors {
		fmt.Fprintf(&sb, "\n  error: %s", err)
	}
	return sb.String()
}
