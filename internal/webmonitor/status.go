package webmonitor

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	contentJSON     = "application/json"
	contentProtobuf = "application/protobuf"
	contentCBOR     = "application/cbor"
)

// negotiate picks the response format from an Accept header.
func negotiate(accept string) string {
	switch {
	case strings.Contains(accept, "application/protobuf"),
		strings.Contains(accept, "application/x-protobuf"):
		return contentProtobuf
	case strings.Contains(accept, contentCBOR):
		return contentCBOR
	default:
		return contentJSON
	}
}

// statusDocument converts a payload into the generic form shared by the
// Protobuf and CBOR encodings so all three carry the same keys.
func statusDocument(p StatusPayload) (map[string]any, []byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal status: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("reshape status: %w", err)
	}
	return doc, data, nil
}

func encodeProto(doc map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("build protobuf status: %w", err)
	}
	return proto.Marshal(st)
}

// encodeStatus renders p in the given content type.
func encodeStatus(p StatusPayload, contentType string) ([]byte, error) {
	doc, jsonData, err := statusDocument(p)
	if err != nil {
		return nil, err
	}

	switch contentType {
	case contentProtobuf:
		return encodeProto(doc)
	case contentCBOR:
		return cbor.Marshal(doc)
	default:
		return jsonData, nil
	}
}

func serializeStatus(p StatusPayload) (*SerializedEvent, error) {
	doc, jsonData, err := statusDocument(p)
	if err != nil {
		return nil, err
	}
	pbData, err := encodeProto(doc)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
