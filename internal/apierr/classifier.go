package apierr

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Envelope is the uniform error body returned to clients. Name, value and
// description come from the fixed code table; details always carries the
// originating error's message.
type Envelope struct {
	Name        string `json:"name"`
	Value       int    `json:"value"`
	Description string `json:"description"`
	Details     string `json:"details"`
}

type code struct {
	name        string
	description string
}

// The code table mirrors the platform's published API codes.
var codes = map[int]code{
	http.StatusBadRequest: {
		name:        "Bad Request",
		description: "The request was invalid. An accompanying message will explain why.",
	},
	http.StatusUnauthorized: {
		name:        "Unauthorized",
		description: "Authentication credentials were missing or incorrect.",
	},
	http.StatusForbidden: {
		name:        "Forbidden",
		description: "The request is understood, but it has been refused or access is not allowed.",
	},
	http.StatusNotFound: {
		name:        "Not Found",
		description: "The URI requested is invalid or the requested resource does not exist.",
	},
	http.StatusRequestEntityTooLarge: {
		name:        "Request Too Large",
		description: "The request payload exceeds the allowed size.",
	},
	http.StatusInternalServerError: {
		name:        "Internal Server Error",
		description: "Something is broken. Please contact support.",
	},
}

// StatusFor maps a taxonomy kind to its HTTP status. Config and transient
// failures are server defects and land on the 500 path.
func StatusFor(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Classifier converts any pipeline failure into an Envelope, logging every
// error regardless of the final status.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier builds a classifier around the supplied logger.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger.With(slog.String("agent", "error_classifier"))}
}

// Classify logs the failure with its stack and produces the client envelope.
func (c *Classifier) Classify(err error) Envelope {
	status := StatusFor(KindOf(err))
	c.logger.Error("request failed",
		slog.Any("error", err),
		slog.Int("http_status", status),
		slog.String("stack", string(debug.Stack())),
	)
	entry := codes[status]
	return Envelope{
		Name:        entry.name,
		Value:       status,
		Description: entry.description,
		Details:     err.Error(),
	}
}
