package models

type Wallet struct {
	Key           string `json:"key"`
	OwnerID       string `json:"owner_id"`
	Currency      string `json:"currency"`
	Balance       int64  `json:"balance"`
	LockedBalance int64  `json:"locked_balance"`
}

func (w *Wallet) Total() int64 {
	return w.Balance + w.LockedBalance
}

func WalletKey(ownerID, currency string) string {
	return ownerID + ":" + currency
}

type BalanceResponse struct {
	Balance       int64  `json:"balance"`
	LockedBalance int64  `json:"locked_balance"`
	Currency      string `json:"currency"`
	Display       string `json:"display"`
}
