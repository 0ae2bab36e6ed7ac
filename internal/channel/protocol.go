package channel

import "encoding/json"

// Request is one client message. ID is a caller-supplied correlation id
// echoed back on the response.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID   string `json:"id"`
	Ok   bool   `json:"ok"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

func okResponse(id string, data any) Response {
	return Response{ID: id, Ok: true, Data: data}
}

func errResponse(id, msg string) Response {
	return Response{ID: id, Ok: false, Msg: msg}
}
