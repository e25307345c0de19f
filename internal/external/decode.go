package external

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"billingsync/internal/types"
)

var validate = validator.New()

func errDecode(p types.Provider, msg string, err error) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeWebhookDecode,
		msg,
		err,
		map[string]any{"provider": string(p)},
	)
}

// finish validates a decoded event before it leaves the decoder.
func finish(ev *types.NormalizedEvent) (*types.NormalizedEvent, error) {
	if err := validate.Struct(ev); err != nil {
		return nil, errDecode(ev.Provider, "decoded event is incomplete", err)
	}
	return ev, nil
}

// flexID decodes an identifier that providers send either as a JSON string or
// as a JSON number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// unixTime converts provider epoch seconds to a UTC time; zero stays nil.
func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// stringMap decodes provider metadata whose values may be strings, numbers or
// booleans into plain strings.
type stringMap map[string]string

func (m *stringMap) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(stringMap, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case string:
			out[k] = x
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(x)
		}
	}
	*m = out
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
