package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxRequestBody caps program request bodies in either encoding.  A room
// payload is a few hundred bytes and a card holds 720.
const maxRequestBody = 16 << 10

// isProtobuf reports whether the request carries a protobuf body.  Program
// requests in protobuf form are a google.protobuf.Struct with the same
// field names as the JSON body.
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "application/x-protobuf" ||
		ct == "application/protobuf"
}

// readProtoStruct reads a Struct body and decodes it into v through its
// JSON form, so both encodings share one set of struct tags.
func readProtoStruct(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return err
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return decodeStrict(bytes.NewReader(raw), v)
}

// toStruct converts a JSON-tagged value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeStruct sends v as a protobuf Struct.
func writeStruct(w http.ResponseWriter, status int, v any) {
	s, err := toStruct(v)
	if err != nil {
		http.Error(w, "proto encode error", http.StatusInternalServerError)
		return
	}
	writeProto(w, status, s)
}
