package reqmux

import (
	"context"
	"fmt"
)

// CallGeneric marshals input with codec, sends it through pool as a new
// request, and unmarshals the response payload into TOut. It is a type-
// safe convenience layer on top of Pool.Send/Multiplexer.Send, which only
// deal in opaque []byte payloads.
func CallGeneric[TIn any, TOut any](ctx context.Context, p *Pool, codec Codec, input TIn) (TOut, error) {
	var output TOut

	payload, err := codec.Marshal(input)
	if err != nil {
		return output, fmt.Errorf("reqmux: failed to marshal request: %w", err)
	}

	resp, err := p.Send(ctx, &Request{ID: NewID(), Payload: payload})
	if err != nil {
		return output, err
	}

	if err := codec.Unmarshal(resp.Payload, &output); err != nil {
		return output, fmt.Errorf("reqmux: failed to unmarshal response: %w", err)
	}

	return output, nil
}

// TypedClient binds a Pool and Codec to a fixed TIn/TOut pair, useful for
// call sites that always exchange the same request/response shape.
type TypedClient[TIn any, TOut any] struct {
	pool  *Pool
	codec Codec
}

// NewTypedClient creates a TypedClient over the given pool and codec.
func NewTypedClient[TIn any, TOut any](p *Pool, codec Codec) *TypedClient[TIn, TOut] {
	return &TypedClient[TIn, TOut]{pool: p, codec: codec}
}

// Call sends input and decodes the response as TOut.
func (c *TypedClient[TIn, TOut]) Call(ctx context.Context, input TIn) (TOut, error) {
	return CallGeneric[TIn, TOut](ctx, c.pool, c.codec, input)
}

// BatchCall fans inputs out across the pool concurrently, preserving the
// 1:1 correspondence between inputs[i] and the returned results/errors.
func (c *TypedClient[TIn, TOut]) BatchCall(ctx context.Context, inputs []TIn) ([]TOut, []error) {
	results := make([]TOut, len(inputs))
	errs := make([]error, len(inputs))

	type outcome struct {
		index  int
		output TOut
		err    error
	}

	outcomes := make(chan outcome, len(inputs))
	for i, input := range inputs {
		go func(idx int, in TIn) {
			out, err := c.Call(ctx, in)
			outcomes <- outcome{index: idx, output: out, err: err}
		}(i, input)
	}

	for range inputs {
		o := <-outcomes
		results[o.index] = o.output
		errs[o.index] = o.err
	}

	return results, errs
}

// PredictRequest is a sample typed request for numeric prediction calls.
type PredictRequest struct {
	Value float64 `json:"value"`
}

// PredictResponse is the matching sample response.
type PredictResponse struct {
	Result float64 `json:"result"`
}

// TransformRequest is a sample typed request for text transformation
// calls.
type TransformRequest struct {
	Text string `json:"text"`
}

// TransformResponse is the matching sample response.
type TransformResponse struct {
	TransformedText string `json:"transformed_text"`
	WordCount       int    `json:"word_count"`
}
