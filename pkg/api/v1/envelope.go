package v1

// Response is the JSON envelope shared by every HTTP endpoint.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// OK builds a success envelope.
func OK(message string, data interface{}) Response {
	return Response{Success: true, Message: message, Data: data}
}

// Err builds a failure envelope with a stable error code.
func Err(code, message string) Response {
	return Response{Success: false, Message: message, ErrorCode: code}
}

// ErrWithData builds a failure envelope that still carries payload data,
// e.g. the conflicting session id on admission rejection.
func ErrWithData(code, message string, data interface{}) Response {
	return Response{Success: false, Message: message, ErrorCode: code, Data: data}
}
