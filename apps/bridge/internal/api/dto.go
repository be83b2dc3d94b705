package api

import (
	"time"

	"bridgex.com/apps/bridge/internal/domain"
)

// 对外返回的结构，金额一律字符串 (uint256 放不进 JSON number)

type cursorResp struct {
	LastProcessedBlock uint64    `json:"last_processed_block"`
	LastBlockHash      string    `json:"last_block_hash"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type statusResp struct {
	ChainID  string      `json:"chain_id"`
	Contract string      `json:"contract"`
	Signer   string      `json:"signer"`
	Cursor   *cursorResp `json:"cursor"`
}

type balanceResp struct {
	ExternalAccountID string `json:"external_account_id"`
	Balance           string `json:"balance"`
}

type depositResp struct {
	TxHash            string    `json:"tx_hash"`
	LogIndex          uint      `json:"log_index"`
	BlockNumber       uint64    `json:"block_number"`
	BlockTimestamp    uint64    `json:"block_timestamp"`
	ExternalAccountID string    `json:"external_account_id"`
	WalletAddress     string    `json:"wallet_address"`
	Amount            string    `json:"amount"`
	ProcessedAt       time.Time `json:"processed_at"`
}

type claimResp struct {
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
	BlockNumber uint64 `json:"block_number"`
	Amount      string `json:"amount"`
}

type withdrawalResp struct {
	ID                int64                 `json:"id"`
	ExternalAccountID string                `json:"external_account_id"`
	WalletAddress     string                `json:"wallet_address"`
	Amount            string                `json:"amount"`
	Nonce             string                `json:"nonce"`
	Status            domain.WithdrawStatus `json:"status"`
	Signature         *string               `json:"signature,omitempty"`
	FailReason        string                `json:"fail_reason,omitempty"`
	ExpiresAt         time.Time             `json:"expires_at"`
	TriggeredAt       *time.Time            `json:"triggered_at,omitempty"`
	SignedAt          *time.Time            `json:"signed_at,omitempty"`
	Claim             *claimResp            `json:"claim,omitempty"`
}

type skippedResp struct {
	ID          int64     `json:"id"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	Reason      string    `json:"reason"`
	RawData     string    `json:"raw_data"`
	CreatedAt   time.Time `json:"created_at"`
}

func toCursor(c *domain.ScanCursor) *cursorResp {
	if c == nil {
		return nil
	}
	return &cursorResp{
		LastProcessedBlock: c.LastProcessedBlock,
		LastBlockHash:      c.LastBlockHash,
		UpdatedAt:          c.UpdatedAt,
	}
}

func toDeposit(d *domain.ProcessedDeposit) depositResp {
	return depositResp{
		TxHash:            d.TxHash,
		LogIndex:          d.LogIndex,
		BlockNumber:       d.BlockNumber,
		BlockTimestamp:    d.BlockTimestamp,
		ExternalAccountID: d.ExternalAccountID,
		WalletAddress:     d.WalletAddress,
		Amount:            d.Amount.String(),
		ProcessedAt:       d.ProcessedAt,
	}
}

func toWithdrawal(w *domain.WithdrawalRequest, c *domain.WithdrawalClaim) withdrawalResp {
	out := withdrawalResp{
		ID:                w.ID,
		ExternalAccountID: w.ExternalAccountID,
		WalletAddress:     w.WalletAddress,
		Amount:            w.Amount.String(),
		Nonce:             w.Nonce,
		Status:            w.Status,
		Signature:         w.Signature,
		FailReason:        w.FailReason,
		ExpiresAt:         w.ExpiresAt,
		TriggeredAt:       w.TriggeredAt,
		SignedAt:          w.SignedAt,
	}
	if c != nil {
		out.Claim = &claimResp{
			TxHash:      c.TxHash,
			LogIndex:    c.LogIndex,
			BlockNumber: c.BlockNumber,
			Amount:      c.Amount.String(),
		}
	}
	return out
}

func toSkipped(rows []domain.SkippedEvent) []skippedResp {
	out := make([]skippedResp, 0, len(rows))
	for _, r := range rows {
		out = append(out, skippedResp{
			ID:          r.ID,
			TxHash:      r.TxHash,
			LogIndex:    r.LogIndex,
			BlockNumber: r.BlockNumber,
			Reason:      r.Reason,
			RawData:     r.RawData,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out
}
