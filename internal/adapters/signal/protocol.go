package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/go-playground/validator/v10"
)

// Wire error codes.
const (
	codeUnauthenticated     = "unauthenticated"
	codeNotFound            = "not_found"
	codeEngineFailure       = "engine_failure"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeBadRequest          = "bad_request"
	codeForbidden           = "forbidden"
	codeRateLimited         = "rate_limited"
	codeSessionClosed       = "session_closed"
	codeTimeout             = "timeout"
	codeInternal            = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return codeUnauthenticated
	case errors.Is(err, domain.ErrNotFound):
		return codeNotFound
	case errors.Is(err, domain.ErrBadRequest):
		return codeBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return codeForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return codeRateLimited
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return codeUpstreamUnavailable
	case errors.Is(err, domain.ErrSessionClosed):
		return codeSessionClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return codeTimeout
	case errors.Is(err, domain.ErrEngineFailure):
		return codeEngineFailure
	default:
		return codeInternal
	}
}

type errorReply struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// newErrorReply keeps request-shape detail for bad_request and a fixed text otherwise.
func newErrorReply(err error) errorReply {
	code := errorCode(err)
	msg := err.Error()
	switch code {
	case codeUnauthenticated:
		msg = "not authenticated"
	case codeNotFound:
		msg = "not found"
	case codeEngineFailure:
		msg = "media engine failure"
	case codeInternal:
		msg = "internal error"
	}
	return errorReply{Error: msg, Code: code}
}

type okReply struct {
	Success bool `json:"success"`
}

type authenticatePayload struct {
	SessionToken string `json:"sessionToken" validate:"required,max=4096"`
	UserID       string `json:"userId" validate:"required,max=140"`
}

type createTransportPayload struct {
	Producing bool `json:"producing"`
	Consuming bool `json:"consuming"`
}

type transportConnectPayload struct {
	TransportID    string                 `json:"transportId" validate:"required"`
	DtlsParameters *domain.DtlsParameters `json:"dtlsParameters" validate:"required"`
	IceParameters  *domain.IceParameters  `json:"iceParameters"`
	IceCandidates  []domain.IceCandidate  `json:"iceCandidates"`
}

type producePayload struct {
	TransportID   string                `json:"transportId" validate:"required"`
	Kind          string                `json:"kind" validate:"required"`
	RtpParameters *domain.RtpParameters `json:"rtpParameters" validate:"required"`
	AppData       map[string]any        `json:"appData"`
}

type consumePayload struct {
	TransportID     string                  `json:"transportId" validate:"required"`
	ProducerID      string                  `json:"producerId" validate:"required"`
	RtpCapabilities *domain.RtpCapabilities `json:"rtpCapabilities" validate:"required"`
}

type consumerResumePayload struct {
	ConsumerID string `json:"consumerId" validate:"required"`
}

type producerClosePayload struct {
	ProducerID string `json:"producerId" validate:"required"`
}

type joinCallPayload struct {
	CallSessionID string `json:"callSessionId" validate:"required"`
}

type pongEvent struct {
	Time int64 `json:"time"`
}

// decode unmarshals and validates a message payload. Failures wrap ErrBadRequest.
func decode[T any](v *validator.Validate, raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if err := v.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return p, fmt.Errorf("%w: field %s failed %s", domain.ErrBadRequest, verrs[0].Field(), verrs[0].Tag())
		}
		return p, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return p, nil
}
