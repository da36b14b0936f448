package httpapi

import "net/http"

// apiError is the boundary-layer error envelope: a small (status, code,
// message) triple translated to JSON. It never carries evaluator fault
// detail — engine faults ride inside the decision body, per spec.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e apiError) Error() string { return e.Message }

func errBadRequest(code, message string) apiError {
	return apiError{Status: http.StatusBadRequest, Code: code, Message: message}
}

func errServiceUnavailable(code, message string) apiError {
	return apiError{Status: http.StatusServiceUnavailable, Code: code, Message: message}
}

func errNotFound(code, message string) apiError {
	return apiError{Status: http.StatusNotFound, Code: code, Message: message}
}
