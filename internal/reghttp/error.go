package reghttp

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tarpush/tarpush/types"
)

// HTTPError maps an unexpected status code to a sentinel error
func HTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w [http %d]", types.ErrNotFound, statusCode)
	case http.StatusMethodNotAllowed:
		return fmt.Errorf("%w [http %d]", types.ErrDeleteDisabled, statusCode)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w [http %d]", types.ErrTimeout, statusCode)
	default:
		return fmt.Errorf("%w [http %d]", types.ErrHTTPStatus, statusCode)
	}
}

// StatusError maps a status code to a sentinel error, including a snippet of
// the response body to aid diagnosis.
func StatusError(resp *Resp) error {
	status := resp.HTTPResponse().StatusCode
	snippet := bodySnippet(resp)
	if snippet == "" {
		return HTTPError(status)
	}
	return fmt.Errorf("%w: %s", HTTPError(status), snippet)
}

// bodySnippet reads a short prefix of the response body for error messages
func bodySnippet(resp *Resp) string {
	b, _ := io.ReadAll(io.LimitReader(resp, 256))
	return strings.TrimSpace(string(b))
}
