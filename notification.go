package regencache

import (
	"encoding/json"
	"fmt"
)

// ResultNotification announces the outcome of one regeneration attempt to
// every node of the farm. The JSON field names are part of the wire contract
// and must not change while mixed-version nodes share a topic.
type ResultNotification struct {
	Success   bool   `json:"Success"`
	Key       string `json:"Key"`
	Exception string `json:"Exception,omitempty"`
	Sender    string `json:"Sender"`
}

func marshalNotification(n ResultNotification) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal result notification: %w", err)
	}
	return string(b), nil
}

func parseNotification(payload string) (ResultNotification, error) {
	var n ResultNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return ResultNotification{}, fmt.Errorf("parse result notification: %w", err)
	}
	if n.Key == "" {
		return ResultNotification{}, fmt.Errorf("result notification carries no key")
	}
	return n, nil
}
