package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedCallback means the payload could not be decoded or lacks the order reference.
var ErrMalformedCallback = errors.New("malformed payment callback")

// Callback is the gateway's notification after the 3-D Secure challenge.
type Callback struct {
	Status           string `json:"status"`
	PaymentID        string `json:"paymentId"`
	ConversationID   string `json:"conversationId"`
	ConversationData string `json:"conversationData,omitempty"`
	MDStatus         string `json:"mdStatus"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	Raw              []byte `json:"-"`
}

// Authenticated reports whether the cardholder completed the challenge and the
// gateway reported success. Settlement still needs the gateway's confirmation.
func (c *Callback) Authenticated() bool {
	return strings.EqualFold(c.Status, StatusSuccess) && c.MDStatus == "1"
}

// OrderID is the order the callback refers to. Orders are initialized with their
// own id as the conversation id.
func (c *Callback) OrderID() string { return c.ConversationID }

// ParseCallback decodes a JSON or form-encoded callback body. An unknown or
// empty content type is sniffed from the first byte.
func ParseCallback(contentType string, body []byte) (*Callback, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := strings.TrimSpace(string(body))

	var fields map[string]string
	var err error
	switch {
	case mediaType == "application/json", mediaType == "" && strings.HasPrefix(trimmed, "{"):
		fields, err = jsonFields(body)
	default:
		fields, err = formFields(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := &Callback{
		Status:           fields["status"],
		PaymentID:        fields["paymentId"],
		ConversationID:   fields["conversationId"],
		ConversationData: fields["conversationData"],
		MDStatus:         fields["mdStatus"],
		ErrorMessage:     fields["errorMessage"],
		Raw:              body,
	}
	if cb.ConversationID == "" {
		// some flows only echo the basket id
		cb.ConversationID = fields["basketId"]
	}
	if cb.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversationId", ErrMalformedCallback)
	}
	if cb.Status == "" {
		return nil, fmt.Errorf("%w: missing status", ErrMalformedCallback)
	}
	return cb, nil
}

// jsonFields flattens top-level scalars to strings; gateways send mdStatus as
// either a number or a string.
func jsonFields(body []byte) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(tv)
		}
	}
	return out, nil
}

func formFields(body string) (map[string]string, error) {
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}
