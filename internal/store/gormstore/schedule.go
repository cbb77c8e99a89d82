package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/shopspring/decimal"
)

func (store *Store) LookupFee(ctx context.Context, key fees.Key) (decimal.Decimal, bool, error) {
	var row FeeScheduleRow
	err := store.conn(ctx).
		Where("org_id = ? AND session_type_id = ? AND payment_method_id = ? AND membership_type_id = ?",
			key.OrgID, key.SessionTypeID, key.PaymentMethodID, key.MembershipTypeID).
		Take(&row).Error
	if isNotFound(err) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, wrapStoreError(errorSubjectFee, errorCodeLookup, err)
	}
	return row.Fee, true, nil
}

func (store *Store) ResolveMembership(ctx context.Context, systemNumber int64, orgID int64) (int64, bool, error) {
	var membership Membership
	err := store.conn(ctx).
		Where("org_id = ? AND system_number = ?", orgID, systemNumber).
		Take(&membership).Error
	if isNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectMembership, errorCodeLookup, err)
	}
	return membership.MembershipTypeID, true, nil
}

// Authorize checks the capability_grants table.
func (store *Store) Authorize(ctx context.Context, actor int64, capability access.Capability, orgID int64) (bool, error) {
	var count int64
	err := store.conn(ctx).
		Model(&CapabilityGrant{}).
		Where("org_id = ? AND system_number = ? AND capability = ?", orgID, actor, string(capability)).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return count > 0, nil
}
