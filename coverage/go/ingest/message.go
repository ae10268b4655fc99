package ingest

import (
	"encoding/json"
	"strconv"

	"go.skia.org/covgate/coverage/go/common"
)

// RepoID accepts the wire schema's repo_id as either a JSON string or a
// JSON number, normalizing to a string since that's how it is stored and
// compared throughout the store.
type RepoID string

func (r *RepoID) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*r = RepoID(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return err
	}
	*r = RepoID(asNumber.String())
	return nil
}

// Message is the validated, tagged form of the broker payload; in place of
// the source's duck-typed message wrapper built from an untyped map.
type Message struct {
	Repo   string `json:"repo"`
	RepoID RepoID `json:"repo_id"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	CI     struct {
		Provider   string `json:"provider"`
		PipelineID string `json:"pipeline_id"`
		JobID      string `json:"job_id"`
	} `json:"ci"`
	Coverage struct {
		Format common.CoverageFormat `json:"format"`
		Raw    string                `json:"raw"`
	} `json:"coverage"`
	Timestamp int64 `json:"timestamp"`
}

// DecodeMessage parses body into a Message. Any JSON error is terminal per
// §4.G step 2 (decode failure -> nack without requeue).
func DecodeMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// retryCountFromHeaders reads x-retry-count, tolerating both integer and
// string header values the way the source's get_retry_count does.
func retryCountFromHeaders(headers map[string]interface{}) int {
	v, ok := headers[retryHeaderKey]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
