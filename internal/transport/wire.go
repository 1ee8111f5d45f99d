// Package transport is the node's HTTP surface: the inbound /pipeline
// endpoint and the client used to forward a step to the next node. Both
// directions speak the same JSON body with base64 tensor payloads.
package transport

import (
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/pipeline"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// StepRequestWire is the body of POST /pipeline.
type StepRequestWire struct {
	SessionID     string                 `json:"session_id"`
	Step          int                    `json:"step"`
	TargetBlockID string                 `json:"target_block_id,omitempty"`
	Inputs        map[string]interface{} `json:"input_tensors"`
}

// StepResponseWire is the body of every /pipeline response, success or
// failure. The block lists and timing map are always present so callers
// never branch on field existence.
type StepResponseWire struct {
	SessionID         string                   `json:"session_id"`
	Step              int                      `json:"step"`
	Status            string                   `json:"status"`
	Outputs           map[string]interface{}   `json:"outputs,omitempty"`
	SuccessfulBlocks  []string                 `json:"successful_blocks"`
	FailedBlocks      []pipeline.FailedBlock   `json:"failed_blocks"`
	ExecutionTimes    map[string]float64       `json:"execution_times"`
	TotalPipelineTime float64                  `json:"total_pipeline_time"`
	Fallbacks         []pipeline.FallbackEvent `json:"fallbacks,omitempty"`
	KVCacheMetadata   kvMetadataWire           `json:"kv_cache_metadata"`
	Forwarded         bool                     `json:"forwarded"`
	ForwardedTo       string                   `json:"forwarded_to,omitempty"`
	Error             string                   `json:"error,omitempty"`
}

type kvMetadataWire struct {
	TotalTokens      int `json:"total_tokens"`
	TotalActivePages int `json:"total_active_pages"`
}

func toWire(res *pipeline.StepResult) (*StepResponseWire, error) {
	outputs, err := tensor.EncodeMap(res.Outputs)
	if err != nil {
		return nil, err
	}
	return &StepResponseWire{
		SessionID:         res.SessionID,
		Step:              res.Step,
		Status:            res.Status,
		Outputs:           outputs,
		SuccessfulBlocks:  emptyIfNil(res.SuccessfulBlocks),
		FailedBlocks:      emptyFailedIfNil(res.FailedBlocks),
		ExecutionTimes:    emptyTimesIfNil(res.ExecutionTimes),
		TotalPipelineTime: res.TotalPipelineTime,
		Fallbacks:         res.Fallbacks,
		KVCacheMetadata: kvMetadataWire{
			TotalTokens:      res.KVMetadata.TotalTokens,
			TotalActivePages: res.KVMetadata.TotalActivePages,
		},
		Forwarded:   res.Forwarded,
		ForwardedTo: res.ForwardedTo,
	}, nil
}

func fromWire(w *StepResponseWire) (*pipeline.StepResult, error) {
	outputs, err := tensor.DecodeMap(w.Outputs)
	if err != nil {
		return nil, err
	}
	res := &pipeline.StepResult{
		SessionID:         w.SessionID,
		Step:              w.Step,
		Status:            w.Status,
		Outputs:           outputs,
		SuccessfulBlocks:  emptyIfNil(w.SuccessfulBlocks),
		FailedBlocks:      emptyFailedIfNil(w.FailedBlocks),
		ExecutionTimes:    emptyTimesIfNil(w.ExecutionTimes),
		TotalPipelineTime: w.TotalPipelineTime,
		Fallbacks:         w.Fallbacks,
		Forwarded:         w.Forwarded,
		ForwardedTo:       w.ForwardedTo,
	}
	res.KVMetadata.TotalTokens = w.KVCacheMetadata.TotalTokens
	res.KVMetadata.TotalActivePages = w.KVCacheMetadata.TotalActivePages
	return res, nil
}

func emptyFailedIfNil(s []pipeline.FailedBlock) []pipeline.FailedBlock {
	if s == nil {
		return []pipeline.FailedBlock{}
	}
	return s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyTimesIfNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
