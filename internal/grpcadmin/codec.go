// Package grpcadmin mirrors the ingress package's HTTP /admin/* routes
// as a gRPC service, for operators who script against the dispatch core
// with gRPC tooling rather than curl. It shares internal/admin's
// operation bodies with the HTTP surface rather than reimplementing
// them.
//
// No generated protobuf messages exist for these operations, so the
// service registers a plain-JSON codec instead of the default proto
// codec — grpc-go supports swapping codecs by name for exactly this
// case. A caller dials with grpc.CallContentSubtype("json") to select it.
package grpcadmin

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
