package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
)

var allStatuses = []session.Status{
	session.StatusDataLoaded,
	session.StatusCreditsProcessed,
	session.StatusOffSystemPaymentsProcessed,
	session.StatusComplete,
}

// ListSessionsSince lists sessions dated on or after from whose status is at least minimum.
func (store *Store) ListSessionsSince(ctx context.Context, from time.Time, minimum session.Status) ([]session.Session, error) {
	var records []SessionRecord
	err := store.conn(ctx).
		Where("session_date >= ? AND status IN ?", from.Format(session.DateLayout), statusNamesFrom(minimum)).
		Order("session_date ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	sessions := make([]session.Session, 0, len(records))
	for _, record := range records {
		mapped, err := store.mapSession(ctx, record)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, mapped)
	}
	return sessions, nil
}

func (store *Store) SessionPayments(ctx context.Context, sessionID int64) ([]ledger.Transaction, error) {
	var rows []LedgerTransaction
	err := store.conn(ctx).
		Where("session_id = ? AND account_kind = ?", sessionID, ledger.AccountKindMember.String()).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) MemberRefunds(ctx context.Context, query reconcile.RefundQuery) ([]ledger.Transaction, error) {
	var rows []LedgerTransaction
	err := store.conn(ctx).
		Where("account_kind = ? AND type = ? AND counterparty_key = ? AND description = ?",
			ledger.AccountKindMember.String(), ledger.TypeRefund.String(), ledger.OrganisationAccount(query.OrgID).String(), query.Description).
		Where("created_unix_utc >= ? AND created_unix_utc < ?", query.FromUnixUTC, query.BeforeUnixUTC).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func statusNamesFrom(minimum session.Status) []string {
	names := make([]string, 0, len(allStatuses))
	for _, status := range allStatuses {
		if status.AtLeast(minimum) {
			names = append(names, status.String())
		}
	}
	return names
}
