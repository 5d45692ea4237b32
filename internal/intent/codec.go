package intent

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire shape: the kind tag selects the payload type.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes an intent to its tagged wire form.
func Marshal(in Intent) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", in.Kind(), err)
	}
	return json.Marshal(envelope{Kind: in.Kind(), Payload: payload})
}

// Unmarshal decodes a tagged wire form back into its concrete variant.
// An unknown kind is an error, never a silently dropped mutation.
func Unmarshal(data []byte) (Intent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal intent envelope: %w", err)
	}

	var in Intent
	switch env.Kind {
	case KindCreateBudgetLine:
		in = &CreateBudgetLine{}
	case KindUpdateBudgetLine:
		in = &UpdateBudgetLine{}
	case KindDeleteBudgetLine:
		in = &DeleteBudgetLine{}
	case KindMoveMoney:
		in = &MoveMoney{}
	case KindAssignMoney:
		in = &AssignMoney{}
	case KindCreateTransaction:
		in = &CreateTransaction{}
	case KindDeleteTransaction:
		in = &DeleteTransaction{}
	case KindApproveTransaction:
		in = &ApproveTransaction{}
	case KindFlagTransaction:
		in = &FlagTransaction{}
	case KindClearTransaction:
		in = &ClearTransaction{}
	case KindRecategorizeTransaction:
		in = &RecategorizeTransaction{}
	case KindMoveTransaction:
		in = &MoveTransaction{}
	case KindUpdateGoal:
		in = &UpdateGoal{}
	default:
		return nil, fmt.Errorf("unknown intent kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, in); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	return deref(in), nil
}

// deref returns the value form so both sides of the wire handle the
// same concrete types.
func deref(in Intent) Intent {
	switch v := in.(type) {
	case *CreateBudgetLine:
		return *v
	case *UpdateBudgetLine:
		return *v
	case *DeleteBudgetLine:
		return *v
	case *MoveMoney:
		return *v
	case *AssignMoney:
		return *v
	case *CreateTransaction:
		return *v
	case *DeleteTransaction:
		return *v
	case *ApproveTransaction:
		return *v
	case *FlagTransaction:
		return *v
	case *ClearTransaction:
		return *v
	case *RecategorizeTransaction:
		return *v
	case *MoveTransaction:
		return *v
	case *UpdateGoal:
		return *v
	}
	return in
}
