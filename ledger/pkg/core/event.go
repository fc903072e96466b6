package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Event struct {
	ID      uuid.UUID      `json:"id"`
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Token   common.Address `json:"token"`
	Market  common.Address `json:"market"`
	Account common.Address `json:"account,omitzero"`
	Payload any            `json:"payload,omitempty"`
}

func NewEvent(at time.Time, typ string, token, market, account common.Address, payload any) Event {
	return Event{
		ID:      uuid.New(),
		Type:    typ,
		At:      at.UTC(),
		Token:   token,
		Market:  market,
		Account: account,
		Payload: payload,
	}
}
