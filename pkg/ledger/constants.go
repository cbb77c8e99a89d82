package ledger

const (
	operationCreditOrDebit = "credit_or_debit"
	operationTransfer      = "transfer"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	accountKeyDelimiter = ":"
)
