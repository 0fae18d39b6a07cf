package engine

import "errors"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// ErrUnsupported is returned by engines that cannot perform an operation,
// such as chat on an embedding-only runtime.
var ErrUnsupported = errors.New("operation not supported by this engine")
