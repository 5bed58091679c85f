package http

import "raftkv/pkg/command"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	// Index is the log index the command was applied at.
	Index uint64 `json:"index,omitempty"`
	Found bool   `json:"found,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value, Found: true}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NewCommandResponse reports the outcome of an applied command.
func NewCommandResponse(resp command.Response) Response {
	return Response{
		Status: StatusSuccess,
		Value:  resp.Value,
		Index:  resp.Index,
		Found:  resp.Found,
	}
}
