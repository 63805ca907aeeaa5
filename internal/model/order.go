package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionOrder is a candidate's fixed presentation order of question IDs.
type QuestionOrder []uuid.UUID

// AnswerOrder maps a question ID to the candidate's fixed option order.
type AnswerOrder map[uuid.UUID][]uuid.UUID

// Position returns the 1-indexed page of a question, or 0 when absent.
func (o QuestionOrder) Position(questionID uuid.UUID) int {
	for i, id := range o {
		if id == questionID {
			return i + 1
		}
	}
	return 0
}

// EncodeOrders serializes both orders for JSONB storage.
func EncodeOrders(qo QuestionOrder, ao AnswerOrder) (qRaw, aRaw []byte, err error) {
	if qo == nil {
		return nil, nil, nil
	}
	if qRaw, err = json.Marshal(qo); err != nil {
		return nil, nil, err
	}
	if aRaw, err = json.Marshal(ao); err != nil {
		return nil, nil, err
	}
	return qRaw, aRaw, nil
}

// DecodeOrders parses stored orders and validates their shape.
// Anything malformed yields (nil, nil): the enrollment is treated as not yet
// randomized instead of failing the read.
func DecodeOrders(qRaw, aRaw []byte) (QuestionOrder, AnswerOrder) {
	if len(qRaw) == 0 || len(aRaw) == 0 {
		return nil, nil
	}

	var qo QuestionOrder
	if err := json.Unmarshal(qRaw, &qo); err != nil || len(qo) == 0 {
		return nil, nil
	}
	var ao AnswerOrder
	if err := json.Unmarshal(aRaw, &ao); err != nil || ao == nil {
		return nil, nil
	}

	seen := make(map[uuid.UUID]struct{}, len(qo))
	for _, qid := range qo {
		if qid == uuid.Nil {
			return nil, nil
		}
		if _, dup := seen[qid]; dup {
			return nil, nil
		}
		seen[qid] = struct{}{}
		if _, ok := ao[qid]; !ok {
			return nil, nil
		}
	}
	if len(ao) != len(qo) {
		return nil, nil
	}
	return qo, ao
}
