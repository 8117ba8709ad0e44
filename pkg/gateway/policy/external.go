//
//  Copyright © Maatini. All rights reserved.
//

package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/maatini/authgate/pkg/gateway/model"
)

// External queries a remote decision service:
// POST <url><decisionPath> {"input": <PolicyInput>} → {"result": ...}.
type External struct {
	endpoint string
	client   *http.Client
}

// NewExternal creates an external evaluator. The http client is shared
// and pooled; per-call deadlines come from the request context.
func NewExternal(url, decisionPath string, client *http.Client) *External {
	if client == nil {
		client = &http.Client{}
	}
	return &External{endpoint: url + decisionPath, client: client}
}

// Ready is always true for the external backend; availability shows up
// as call failures handled by the breaker.
func (e *External) Ready() bool {
	return true
}

// Evaluate posts the input document and interprets the result field. A
// non-200 answer is an error so that a failing decision service trips
// the breaker.
func (e *External) Evaluate(ctx context.Context, input model.PolicyInput) (model.PolicyDecision, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return model.PolicyDecision{}, errors.Wrap(err, "encoding policy input")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.PolicyDecision{}, errors.Wrap(err, "building decision request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return model.PolicyDecision{}, errors.Wrap(err, "calling decision service")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return model.PolicyDecision{}, &statusError{code: resp.StatusCode}
	}

	var out struct {
		Result interface{} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.PolicyDecision{}, errors.Wrap(err, "decoding decision response")
	}
	if out.Result == nil {
		return model.Deny(ReasonUnexpectedResult), nil
	}

	return parseResult(out.Result), nil
}
