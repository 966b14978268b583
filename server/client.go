package server

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/stackvm/vm/dist"
)

// Client calls a remote ExecutionService.
type Client struct {
	execute     *connect.Client[wrapperspb.BytesValue, structpb.Struct]
	disassemble *connect.Client[wrapperspb.BytesValue, wrapperspb.StringValue]
	runs        *connect.Client[wrapperspb.StringValue, structpb.ListValue]
}

// NewClient creates a client for the server at baseURL, for example
// "http://localhost:7070". Options such as connect.WithGRPC() select the
// wire protocol.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		execute:     connect.NewClient[wrapperspb.BytesValue, structpb.Struct](httpClient, baseURL+ExecuteProcedure, opts...),
		disassemble: connect.NewClient[wrapperspb.BytesValue, wrapperspb.StringValue](httpClient, baseURL+DisassembleProcedure, opts...),
		runs:        connect.NewClient[wrapperspb.StringValue, structpb.ListValue](httpClient, baseURL+RunsProcedure, opts...),
	}
}

// Execute runs img remotely and returns the result fields.
func (c *Client) Execute(ctx context.Context, img *dist.Image) (map[string]any, error) {
	data, err := dist.MarshalImage(img)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(data)))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

// Disassemble returns the remote listing of img.
func (c *Client) Disassemble(ctx context.Context, img *dist.Image) (string, error) {
	data, err := dist.MarshalImage(img)
	if err != nil {
		return "", err
	}
	resp, err := c.disassemble.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(data)))
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

// Runs lists the runs recorded for an image hash.
func (c *Client) Runs(ctx context.Context, hash string) ([]any, error) {
	resp, err := c.runs.CallUnary(ctx, connect.NewRequest(wrapperspb.String(hash)))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsSlice(), nil
}
