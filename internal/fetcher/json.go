package fetcher

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quakemap/internal/apperr"
)

// DecodeJSONObject decodes a single JSON object from a reader. Decode failures
// are reported as a DataFormatError against the given call.
func DecodeJSONObject[T any](call apperr.Context, r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, apperr.DataFormat(call, eris.Wrap(err, "json: decode object"))
	}
	return &obj, nil
}
