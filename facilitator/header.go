// Package facilitator talks to the payment facilitator network: encoding the
// base64 payment envelope and calling the /verify and /settle endpoints.
package facilitator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	blink402 "github.com/blink402/blink402"
)

// Payload carries the signed transaction inside the payment envelope.
type Payload struct {
	Transaction string `json:"transaction"`
}

// PaymentHeader is the JSON envelope transported base64-encoded in the
// X-Payment header.
type PaymentHeader struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme"`
	Network     string  `json:"network"`
	Payload     Payload `json:"payload"`
}

// headerSchema validates the envelope shape before any field is trusted.
const headerSchema = `{
  "type": "object",
  "required": ["x402Version", "scheme", "network", "payload"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "scheme": {"type": "string", "minLength": 1},
    "network": {"type": "string", "minLength": 1},
    "payload": {
      "type": "object",
      "required": ["transaction"],
      "properties": {
        "transaction": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var compiledHeaderSchema = gojsonschema.NewStringLoader(headerSchema)

// EncodeHeader serializes a payment header to its base64 wire form.
func EncodeHeader(h PaymentHeader) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader parses and validates a base64 payment header.
func DecodeHeader(encoded string) (*PaymentHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, &blink402.ValidationError{Field: "paymentHeader", Msg: "not valid base64"}
	}

	result, err := gojsonschema.Validate(compiledHeaderSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &blink402.ValidationError{Field: "paymentHeader", Msg: "not valid JSON"}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &blink402.ValidationError{Field: "paymentHeader", Msg: strings.Join(msgs, "; ")}
	}

	var header PaymentHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, &blink402.ValidationError{Field: "paymentHeader", Msg: err.Error()}
	}
	return &header, nil
}
