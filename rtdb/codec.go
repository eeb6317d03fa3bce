package rtdb

import (
	"encoding/json"
	"fmt"
)

// envelope is the on-wire shape for an EntityBody: a kind discriminator
// (the body's Kind()) plus the body's own fields nested under "data".
// ScopeBody uses scopeEnvelope, the same shape keyed by ScopeKind.
type envelope struct {
	Kind EntityKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the entity with its body as a {kind, data} envelope,
// since EntityBody is a sealed interface encoding/json cannot decode
// without a discriminator.
func (e Entity) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("rtdb: marshal entity %s body: %w", e.ID, err)
	}
	type alias Entity
	return json.Marshal(struct {
		alias
		Body envelope `json:"body"`
	}{alias: alias(e), Body: envelope{Kind: e.Body.Kind(), Data: data}})
}

// UnmarshalJSON decodes an entity previously encoded by MarshalJSON,
// dispatching on the body's kind discriminator.
func (e *Entity) UnmarshalJSON(b []byte) error {
	type alias Entity
	var wire struct {
		alias
		Body envelope `json:"body"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	body, err := decodeEntityBody(wire.Body.Kind, wire.Body.Data)
	if err != nil {
		return err
	}
	*e = Entity(wire.alias)
	e.Body = body
	return nil
}

func decodeEntityBody(kind EntityKind, data json.RawMessage) (EntityBody, error) {
	var body EntityBody
	switch kind {
	case KindFuture:
		var b FutureBody
		body = &b
	case KindLock:
		var b LockBody
		body = &b
	case KindSemaphore:
		var b SemaphoreBody
		body = &b
	case KindNotify:
		var b NotifyBody
		body = &b
	case KindOnceCell:
		var b OnceCellBody
		body = &b
	case KindMpscTx:
		var b MpscTxBody
		body = &b
	case KindMpscRx:
		var b MpscRxBody
		body = &b
	case KindBroadcastTx:
		var b BroadcastTxBody
		body = &b
	case KindBroadcastRx:
		var b BroadcastRxBody
		body = &b
	case KindWatchTx:
		var b WatchTxBody
		body = &b
	case KindWatchRx:
		var b WatchRxBody
		body = &b
	case KindOneshotTx:
		var b OneshotTxBody
		body = &b
	case KindOneshotRx:
		var b OneshotRxBody
		body = &b
	case KindCommand:
		var b CommandBody
		body = &b
	case KindFileOp:
		var b FileOpBody
		body = &b
	case KindNetConnect:
		var b NetConnectBody
		body = &b
	case KindNetAccept:
		var b NetAcceptBody
		body = &b
	case KindNetRead:
		var b NetReadBody
		body = &b
	case KindNetWrite:
		var b NetWriteBody
		body = &b
	case KindRequest:
		var b RequestBody
		body = &b
	case KindResponse:
		var b ResponseBody
		body = &b
	case KindCustom:
		var b CustomBody
		body = &b
	default:
		return nil, fmt.Errorf("rtdb: unknown entity body kind %q", kind)
	}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("rtdb: unmarshal %s body: %w", kind, err)
	}
	return dereference(body), nil
}

// dereference unwraps the pointer decodeEntityBody used so json.Unmarshal
// could populate it, returning the plain value every EntityBody/ScopeBody
// method set is defined on.
func dereference(body EntityBody) EntityBody {
	switch b := body.(type) {
	case *FutureBody:
		return *b
	case *LockBody:
		return *b
	case *SemaphoreBody:
		return *b
	case *NotifyBody:
		return *b
	case *OnceCellBody:
		return *b
	case *MpscTxBody:
		return *b
	case *MpscRxBody:
		return *b
	case *BroadcastTxBody:
		return *b
	case *BroadcastRxBody:
		return *b
	case *WatchTxBody:
		return *b
	case *WatchRxBody:
		return *b
	case *OneshotTxBody:
		return *b
	case *OneshotRxBody:
		return *b
	case *CommandBody:
		return *b
	case *FileOpBody:
		return *b
	case *NetConnectBody:
		return *b
	case *NetAcceptBody:
		return *b
	case *NetReadBody:
		return *b
	case *NetWriteBody:
		return *b
	case *RequestBody:
		return *b
	case *ResponseBody:
		return *b
	case *CustomBody:
		return *b
	default:
		return body
	}
}

// scopeEnvelope mirrors envelope for ScopeBody, whose discriminator is
// ScopeKind rather than EntityKind.
type scopeEnvelope struct {
	Kind ScopeKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the scope with its body as a {kind, data} envelope.
func (s Scope) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(s.Body)
	if err != nil {
		return nil, fmt.Errorf("rtdb: marshal scope %s body: %w", s.ID, err)
	}
	type alias Scope
	return json.Marshal(struct {
		alias
		Body scopeEnvelope `json:"body"`
	}{alias: alias(s), Body: scopeEnvelope{Kind: s.Body.ScopeKind(), Data: data}})
}

// UnmarshalJSON decodes a scope previously encoded by MarshalJSON.
func (s *Scope) UnmarshalJSON(b []byte) error {
	type alias Scope
	var wire struct {
		alias
		Body scopeEnvelope `json:"body"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	body, err := decodeScopeBody(wire.Body.Kind, wire.Body.Data)
	if err != nil {
		return err
	}
	*s = Scope(wire.alias)
	s.Body = body
	return nil
}

func decodeScopeBody(kind ScopeKind, data json.RawMessage) (ScopeBody, error) {
	switch kind {
	case ScopeKindProcess:
		var b ProcessScopeBody
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case ScopeKindTask:
		var b TaskScopeBody
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case ScopeKindCustom:
		var b CustomScopeBody
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("rtdb: unknown scope body kind %q", kind)
	}
}
