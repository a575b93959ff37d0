// Package classify decides whether a storage service response succeeded and
// extracts the error code and message when it did not.
package classify

import (
	"net/http"

	"s3console/internal/decode"
)

const (
	// InvalidAccessKeyID is the error code that means the stored session is
	// no longer accepted by the service.
	InvalidAccessKeyID = "InvalidAccessKeyId"

	// DefaultMessage is reported when no extractor finds a message.
	DefaultMessage = "Error"
)

type Kind int

const (
	Success Kind = iota
	ServiceError
	NetworkError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case ServiceError:
		return "service error"
	default:
		return "network error"
	}
}

// Outcome is the classified result of one response.
type Outcome struct {
	Kind Kind

	// Status is the status the outcome was decided on.
	Status  int
	Payload decode.Body

	Code    string
	Message string

	// InvalidateSession is set when Code is InvalidAccessKeyID.
	InvalidateSession bool
}

// ErrorInfo is what an extractor pulls out of an error body.
type ErrorInfo struct {
	Code    string
	Message string
}

// Extractor looks for an error envelope of one known shape.
type Extractor func(body decode.Body) (ErrorInfo, bool)

// FieldsAt returns an extractor reading Code and Message under prefix.
func FieldsAt(prefix ...string) Extractor {
	codePath := append(append([]string(nil), prefix...), "Code")
	messagePath := append(append([]string(nil), prefix...), "Message")

	return func(body decode.Body) (ErrorInfo, bool) {
		code, okCode := body.String(codePath...)
		message, okMessage := body.String(messagePath...)
		if !okCode && !okMessage {
			return ErrorInfo{}, false
		}
		return ErrorInfo{Code: code, Message: message}, true
	}
}

// DefaultExtractors lists the envelopes the console understands, in the
// order they are tried.
var DefaultExtractors = []Extractor{
	FieldsAt("Error"),
	FieldsAt("ErrorResponse", "Error"),
	FieldsAt(),
	FieldsAt("Response"),
}

// EffectiveStatus returns the HTTPStatusCode carried by a JSON envelope, or
// status when the body carries none. Only admin API responses carry their
// status this way; callers decide when it applies.
func EffectiveStatus(status int, body decode.Body) int {
	if body.Kind != decode.KindJSON {
		return status
	}
	if s, ok := body.Int("HTTPStatusCode"); ok {
		return s
	}
	return status
}

// IsSuccess reports whether status is one of the statuses the service uses
// for success.
func IsSuccess(status int) bool {
	return status == http.StatusOK || status == http.StatusNoContent
}

// Classify classifies a response with DefaultExtractors.
func Classify(status int, body decode.Body) Outcome {
	return ClassifyWith(status, body, DefaultExtractors)
}

// ClassifyWith classifies a response by status alone. A zero status means no
// response was received.
func ClassifyWith(status int, body decode.Body, extractors []Extractor) Outcome {
	if status == 0 {
		return Outcome{Kind: NetworkError, Message: "network error"}
	}

	if IsSuccess(status) {
		return Outcome{Kind: Success, Status: status, Payload: body}
	}

	out := Outcome{Kind: ServiceError, Status: status, Payload: body, Message: DefaultMessage}
	for _, extract := range extractors {
		info, ok := extract(body)
		if !ok {
			continue
		}
		out.Code = info.Code
		if info.Message != "" {
			out.Message = info.Message
		}
		break
	}

	out.InvalidateSession = out.Code == InvalidAccessKeyID
	return out
}
