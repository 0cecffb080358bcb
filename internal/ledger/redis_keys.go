package ledger

const (
	KeyWallet        = "ledger:wallet:%s"
	KeyEntry         = "ledger:entry:%s"
	KeyWalletEntries = "ledger:wallet:%s:entries"
)
