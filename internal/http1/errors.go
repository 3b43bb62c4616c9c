package http1

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ErrTooManyHeaders is returned when a request carries more header lines than allowed.
var ErrTooManyHeaders = errors.New("http1: too many header lines")

// ProtocolError is a malformed request. Status is the response to send if
// the head has not gone out yet; 0 means the connection is aborted without
// a response.
type ProtocolError struct {
	Status int
	Msg    string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http1: %s: %v", e.Msg, e.Err)
	}
	return "http1: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusRequestTimeout: {
		Title:   "408 Request Timeout",
		Heading: "Request Timeout",
		Message: "The server timed out waiting for the request.",
	},
	http.StatusRequestURITooLong: {
		Title:   "414 Request-URI Too Long",
		Heading: "Request-URI Too Long",
		Message: "A request line or header line exceeded the maximum allowed length.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method specified in the Request-Line is not allowed for the resource identified by the Request-URI.",
	},
}

// PrefersJSON checks if the client prefers application/json based on the Accept header.
// Offers are ranked by q-value, then specificity, then order of appearance.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if qStr, ok := strings.CutPrefix(param, "q="); ok {
					if v, err := strconv.ParseFloat(qStr, 64); err == nil && v >= 0 && v <= 1 {
						q = v
					} else {
						q = 0
					}
					break
				}
			}
		}

		// A q of 0 means "not acceptable".
		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// ErrorResponse builds a default error response, JSON or HTML depending on
// the client's Accept header. Errors are never cached.
func ErrorResponse(status int, accept, detail string) *Response {
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Error"
	}

	var body []byte
	contentType := "application/json; charset=utf-8"
	sendJSON := PrefersJSON(accept)
	if sendJSON {
		var err error
		body, err = jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: status,
			Message:    statusText,
			Detail:     detail,
		}})
		if err != nil {
			sendJSON = false
		}
	}

	if !sendJSON {
		contentType = DefaultContentType
		title := fmt.Sprintf("%d %s", status, statusText)
		heading := statusText
		message := "The server encountered an error processing your request."
		known, isKnown := defaultHTMLMessages[status]
		if isKnown {
			title, heading, message = known.Title, known.Heading, known.Message
		}
		if detail != "" {
			escaped := html.EscapeString(detail)
			if isKnown {
				message += " " + escaped
			} else {
				message = escaped
			}
		}
		body = htmlErrorBody(title, heading, message)
	}

	resp := NewResponse(status, body)
	resp.Header.Set("Content-Type", contentType)
	resp.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	resp.Header.Set("Pragma", "no-cache")
	resp.Header.Set("Expires", "0")
	return resp
}

// htmlErrorBody renders a minimal error page. message must already be escaped.
func htmlErrorBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}
