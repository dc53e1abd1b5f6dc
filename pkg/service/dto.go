package service

import (
	"time"

	"github.com/go-faster/jx"

	"github.com/jordigilh/durableflow/pkg/dflow"
)

// The HTTP layer's wire DTOs are hand-encoded/decoded with go-faster/jx
// rather than reflection-based encoding/json: they are a small, fixed
// set of shapes (an execution view, a step result view, two request
// bodies), exactly the case jx's low-level Encoder/Decoder is meant for
// per SPEC_FULL §3's dependency table.

// ExecutionView is the wire shape of GET /executions/{id} and the entries
// of GET /executions.
type ExecutionView struct {
	ID              string
	TaskID          string
	Status          string
	Attempt         int
	Result          []byte
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	WakeAt          *time.Time
	PendingSignalID string
}

func executionView(e *dflow.Execution) ExecutionView {
	v := ExecutionView{
		ID:              e.ID,
		TaskID:          e.TaskID,
		Status:          string(e.Status),
		Attempt:         e.Attempt,
		Result:          e.Result,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		CompletedAt:     e.CompletedAt,
		WakeAt:          e.WakeAt,
		PendingSignalID: e.PendingSignalID,
	}
	if e.Error != nil {
		v.ErrorMessage = e.Error.Message
	}
	return v
}

// Encode writes v as a JSON object.
func (v ExecutionView) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(v.ID)
	e.FieldStart("taskId")
	e.Str(v.TaskID)
	e.FieldStart("status")
	e.Str(v.Status)
	e.FieldStart("attempt")
	e.Int(v.Attempt)
	if v.Result != nil {
		e.FieldStart("result")
		e.Base64(v.Result)
	}
	if v.ErrorMessage != "" {
		e.FieldStart("error")
		e.Str(v.ErrorMessage)
	}
	e.FieldStart("createdAt")
	e.Str(v.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("updatedAt")
	e.Str(v.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if v.CompletedAt != nil {
		e.FieldStart("completedAt")
		e.Str(v.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	if v.WakeAt != nil {
		e.FieldStart("wakeAt")
		e.Str(v.WakeAt.UTC().Format(time.RFC3339Nano))
	}
	if v.PendingSignalID != "" {
		e.FieldStart("pendingSignalId")
		e.Str(v.PendingSignalID)
	}
	e.ObjEnd()
}

// ExecutionListView is the wire shape of GET /executions.
type ExecutionListView []ExecutionView

func executionListView(execs []*dflow.Execution) ExecutionListView {
	out := make(ExecutionListView, len(execs))
	for i, e := range execs {
		out[i] = executionView(e)
	}
	return out
}

func (vs ExecutionListView) Encode(e *jx.Encoder) {
	e.ArrStart()
	for _, v := range vs {
		v.Encode(e)
	}
	e.ArrEnd()
}

// StepResultView is the wire shape of one entry of
// GET /executions/{id}/steps.
type StepResultView struct {
	StepID      string
	Kind        string
	Result      []byte
	CompletedAt *time.Time
}

func stepResultView(r *dflow.StepResult) StepResultView {
	return StepResultView{
		StepID:      r.StepID,
		Kind:        string(r.Kind),
		Result:      r.Result,
		CompletedAt: r.CompletedAt,
	}
}

func (v StepResultView) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("stepId")
	e.Str(v.StepID)
	e.FieldStart("kind")
	e.Str(v.Kind)
	if v.Result != nil {
		e.FieldStart("result")
		e.Base64(v.Result)
	}
	if v.CompletedAt != nil {
		e.FieldStart("completedAt")
		e.Str(v.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	e.ObjEnd()
}

type StepResultListView []StepResultView

func stepResultListView(rs []*dflow.StepResult) StepResultListView {
	out := make(StepResultListView, len(rs))
	for i, r := range rs {
		out[i] = stepResultView(r)
	}
	return out
}

func (vs StepResultListView) Encode(e *jx.Encoder) {
	e.ArrStart()
	for _, v := range vs {
		v.Encode(e)
	}
	e.ArrEnd()
}

// startRequest is the decoded body of POST /tasks/{taskId}/start. Input is
// captured as a raw JSON subtree (not base64) so it passes through
// JSONSerializer.Encode unchanged as a json.RawMessage at the call site.
type startRequest struct {
	Input jx.Raw
}

func decodeStartRequest(data []byte) (startRequest, error) {
	var req startRequest
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "input":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			req.Input = raw
			return nil
		default:
			return d.Skip()
		}
	})
	return req, err
}

// signalRequest is the decoded body of POST /signals/{signalId}.
type signalRequest struct {
	ExecutionID string
	Payload     jx.Raw
}

func decodeSignalRequest(data []byte) (signalRequest, error) {
	var req signalRequest
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "executionId":
			s, err := d.Str()
			if err != nil {
				return err
			}
			req.ExecutionID = s
			return nil
		case "payload":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			req.Payload = raw
			return nil
		default:
			return d.Skip()
		}
	})
	return req, err
}
