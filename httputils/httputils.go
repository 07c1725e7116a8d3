// Package httputils holds the HTTP helpers shared by the orchestration
// service and the in-workspace exec agent.
package httputils // import "github.com/whisthq/whist/backend/workspaces/httputils"

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// maxRequestBody caps request bodies. File writes travel in exec commands
// that are far smaller than this.
const maxRequestBody = 8 << 20

// A RequestResult is the outcome of a request that was parsed and
// processed.
type RequestResult struct {
	Result interface{} `json:"-"`
	Err    error       `json:"error"`
	// Status overrides the status code picked from Err.
	Status int `json:"-"`
}

// Send writes the result as JSON. A result with an error is sent with a 406,
// unless Status says otherwise.
func (r RequestResult) Send(w http.ResponseWriter) {
	var body interface{}
	status := r.Status

	if r.Err != nil {
		if status == 0 {
			status = http.StatusNotAcceptable
		}
		body = struct {
			Result interface{} `json:"result"`
			Error  string      `json:"error"`
		}{r.Result, r.Err.Error()}
	} else {
		if status == 0 {
			status = http.StatusOK
		}
		body = struct {
			Result interface{} `json:"result"`
		}{r.Result}
	}

	WriteJSON(w, status, body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("error marshalling a %v HTTP response body: %s", status, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// ParseRequest unmarshals the JSON body of r into s. It answers the request
// with a 400 itself if the body is malformed.
func ParseRequest(w http.ResponseWriter, r *http.Request, s interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error getting body from request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if err := json.Unmarshal(body, s); err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("could not unmarshal the body of a request sent on %s to URL %s: %s", r.Host, r.URL, err)
	}
	return nil
}

// GetAccessToken extracts the bearer token from the Authorization header.
func GetAccessToken(r *http.Request) (string, error) {
	authorization := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if authorization == "" || token == authorization || token == "" || token == "undefined" {
		return "", utils.MakeError("request on %s to URL %s has no bearer token", r.Host, r.URL)
	}
	return token, nil
}
