package gormstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// SessionInput describes a session created at data-load time.
type SessionInput struct {
	OrgID                int64
	SessionTypeID        int64
	DirectorSystemNumber int64
	Description          string
	Date                 time.Time
	FallbackMethodID     int64
}

// EntryInput describes one seat loaded into a session.
type EntryInput struct {
	SessionID       int64
	TableNumber     int
	Seat            string
	SystemNumber    int64
	PaymentMethodID int64
	Fee             decimal.NullDecimal
}

// MiscPaymentInput describes an extra charge on an entry.
type MiscPaymentInput struct {
	EntryID         int64
	Description     string
	PaymentMethodID int64
	Amount          decimal.Decimal
}

func (store *Store) CreateOrganisation(ctx context.Context, name string) (int64, error) {
	record := Organisation{Name: strings.TrimSpace(name)}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return record.ID, nil
}

// SaveMember inserts or updates a member by system number.
func (store *Store) SaveMember(ctx context.Context, systemNumber int64, firstName string, lastName string, email string) error {
	record := Member{SystemNumber: systemNumber, FirstName: firstName, LastName: lastName, Email: email}
	err := store.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "system_number"}},
			DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email"}),
		}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectMember, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) AddMembership(ctx context.Context, orgID int64, systemNumber int64, membershipTypeID int64) error {
	record := Membership{OrgID: orgID, SystemNumber: systemNumber, MembershipTypeID: membershipTypeID}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return wrapStoreError(errorSubjectMembership, errorCodeCreate, err)
	}
	return nil
}

// GrantCapability is idempotent.
func (store *Store) GrantCapability(ctx context.Context, orgID int64, systemNumber int64, capability access.Capability) error {
	record := CapabilityGrant{OrgID: orgID, SystemNumber: systemNumber, Capability: string(capability)}
	err := store.conn(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CreatePaymentMethod(ctx context.Context, orgID int64, name string) (session.PaymentMethod, error) {
	record := PaymentMethod{OrgID: orgID, Name: strings.TrimSpace(name), Active: true}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return session.PaymentMethod{}, wrapStoreError(errorSubjectMethod, errorCodeCreate, err)
	}
	return session.PaymentMethod{ID: record.ID, OrgID: record.OrgID, Name: record.Name, Active: record.Active}, nil
}

// SetFee inserts or replaces one fee schedule row.
func (store *Store) SetFee(ctx context.Context, key fees.Key, fee decimal.Decimal) error {
	row := FeeScheduleRow{
		OrgID:            key.OrgID,
		SessionTypeID:    key.SessionTypeID,
		PaymentMethodID:  key.PaymentMethodID,
		MembershipTypeID: key.MembershipTypeID,
		Fee:              fee,
	}
	err := store.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "session_type_id"}, {Name: "payment_method_id"}, {Name: "membership_type_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"fee"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectFee, errorCodeCreate, err)
	}
	return nil
}

// CreateSession stores a session in DATA_LOADED.
func (store *Store) CreateSession(ctx context.Context, input SessionInput) (int64, error) {
	record := SessionRecord{
		OrgID:                           input.OrgID,
		SessionTypeID:                   input.SessionTypeID,
		DirectorSystemNumber:            input.DirectorSystemNumber,
		Description:                     strings.TrimSpace(input.Description),
		SessionDate:                     input.Date.Format(session.DateLayout),
		Status:                          session.StatusDataLoaded.String(),
		DefaultSecondaryPaymentMethodID: optionalID(input.FallbackMethodID),
	}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return record.ID, nil
}

// CreateEntry seats a participant. A second participant on the same table and seat is rejected.
func (store *Store) CreateEntry(ctx context.Context, input EntryInput) (int64, error) {
	if _, err := session.ParseParticipant(input.SystemNumber); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	record := SessionEntryRecord{
		SessionID:       input.SessionID,
		TableNumber:     input.TableNumber,
		Seat:            strings.ToUpper(strings.TrimSpace(input.Seat)),
		SystemNumber:    input.SystemNumber,
		PaymentMethodID: optionalID(input.PaymentMethodID),
		Fee:             input.Fee,
		AmountPaid:      decimal.Zero,
	}
	err := store.conn(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, fmt.Errorf("%w: table %d seat %s", session.ErrDuplicateSeat, record.TableNumber, record.Seat))
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCreate, err)
	}
	return record.ID, nil
}

func (store *Store) CreateMiscPayment(ctx context.Context, input MiscPaymentInput) (int64, error) {
	record := SessionMiscPaymentRecord{
		SessionEntryID:  input.EntryID,
		Description:     strings.TrimSpace(input.Description),
		PaymentMethodID: optionalID(input.PaymentMethodID),
		Amount:          input.Amount,
	}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return 0, wrapStoreError(errorSubjectMisc, errorCodeCreate, err)
	}
	return record.ID, nil
}
