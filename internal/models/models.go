package models

// Protocol is a tracked on-chain protocol. Addresses is the combined,
// lowercased union of the treasury and operational addresses from the
// catalog descriptor. Treasuries carries the treasury subset.
type Protocol struct {
	ID         string      `json:"id"`
	Rating     string      `json:"rating"`
	Addresses  []string    `json:"addresses"`
	Hacks      []HackEvent `json:"hacks"`
	Treasuries []string    `json:"treasuries"`
}

// HackEvent is a historical loss event used by the internal loss multiplier.
type HackEvent struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Amount float64 `json:"amount"`
}

// Treasury is an address holding a protocol's own funds.
type Treasury struct {
	ID         string `json:"id"` // lowercase address
	ProtocolID string `json:"protocol_id"`
}

// Token is a tracked ERC-20 token.
type Token struct {
	ID         string `json:"id"` // lowercase address
	ProtocolID string `json:"protocol_id"`
	Symbol     string `json:"symbol"`
	ITIN       string `json:"itin"`
	Decimals   int    `json:"decimals"`
	ITCEEP     string `json:"itc_eep"`
	Underlying string `json:"underlying"` // lowercase address, empty if none
}

// Transfer is an ERC-20 transfer touching a treasury. ID is the md5 content
// hash of the raw explorer row including its chain identity, so the same
// on-chain event can never be inserted twice.
type Transfer struct {
	ID          string `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	BlockNumber int64  `json:"block_number"`
	TokenID     string `json:"token_id"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Value       string `json:"value"` // raw integer amount as decimal string
}

// Price is a USD price observation for a token at a grid timestamp.
type Price struct {
	TokenID   string `json:"token_id"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"` // USD value as decimal string
}

// TransferSnapshot marks the transfer window [FromTimestamp, ToTimestamp)
// of a treasury as known-incomplete. Present means work to do.
type TransferSnapshot struct {
	TreasuryID    string `json:"treasury_id"`
	FromTimestamp int64  `json:"from_timestamp"`
	ToTimestamp   int64  `json:"to_timestamp"`
}

// PriceSnapshot marks the price of a token at a grid timestamp as missing.
type PriceSnapshot struct {
	TokenID   string `json:"token_id"`
	Timestamp int64  `json:"timestamp"`
}

// Asset is one day of computed capital adequacy figures for a protocol.
// The decimal fields are stored as strings to preserve precision.
type Asset struct {
	ProtocolID     string  `json:"protocol"`
	Timestamp      int64   `json:"timestamp"`
	CET1           string  `json:"cet1"`
	CreditRWA      string  `json:"credit_rwa"`
	MarketRWA      string  `json:"market_rwa"`
	OperationalRWA string  `json:"operational_rwa"`
	RWA            string  `json:"rwa"`
	CAR            float64 `json:"car"`
}
