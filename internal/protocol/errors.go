package protocol

const (
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrNotFound     = "E_NOT_FOUND"
	ErrInvalidState = "E_INVALID_STATE"
	ErrInternal     = "E_INTERNAL"
)

// ErrorBody is the JSON error envelope returned by the REST surface.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
