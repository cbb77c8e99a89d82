package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"gorm.io/datatypes"
)

func (store *Store) GetSession(ctx context.Context, sessionID int64) (session.Session, error) {
	var record SessionRecord
	err := store.conn(ctx).Where("id = ?", sessionID).Take(&record).Error
	if isNotFound(err) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, fmt.Errorf("%w: %d", session.ErrSessionNotFound, sessionID))
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return store.mapSession(ctx, record)
}

func (store *Store) UpdateSessionStatus(ctx context.Context, sessionID int64, status session.Status) error {
	err := store.conn(ctx).
		Model(&SessionRecord{}).
		Where("id = ?", sessionID).
		Update("status", status.String()).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, entryID int64) (session.Entry, error) {
	var record SessionEntryRecord
	err := store.conn(ctx).Where("id = ?", entryID).Take(&record).Error
	if isNotFound(err) {
		return session.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, fmt.Errorf("%w: %d", session.ErrEntryNotFound, entryID))
	}
	if err != nil {
		return session.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	methods, err := store.paymentMethods(ctx, record.PaymentMethodID)
	if err != nil {
		return session.Entry{}, err
	}
	return mapEntry(record, methods)
}

// ListEntries lists a session's entries by table and seat.
func (store *Store) ListEntries(ctx context.Context, sessionID int64) ([]session.Entry, error) {
	var records []SessionEntryRecord
	err := store.conn(ctx).
		Where("session_id = ?", sessionID).
		Order("table_number ASC, seat ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	methodIDs := make([]*int64, 0, len(records))
	for _, record := range records {
		methodIDs = append(methodIDs, record.PaymentMethodID)
	}
	methods, err := store.paymentMethods(ctx, methodIDs...)
	if err != nil {
		return nil, err
	}
	entries := make([]session.Entry, 0, len(records))
	for _, record := range records {
		entry, err := mapEntry(record, methods)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) UpdateEntry(ctx context.Context, entry session.Entry) error {
	var methodID *int64
	if entry.PaymentMethod != nil {
		methodID = optionalID(entry.PaymentMethod.ID)
	}
	err := store.conn(ctx).
		Model(&SessionEntryRecord{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"payment_method_id": methodID,
			"fee":               entry.Fee,
			"is_paid":           entry.IsPaid,
			"amount_paid":       entry.AmountPaid,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	return nil
}

// ListMiscPayments lists the misc payments of every entry in the session.
func (store *Store) ListMiscPayments(ctx context.Context, sessionID int64) ([]session.MiscPayment, error) {
	var records []SessionMiscPaymentRecord
	err := store.conn(ctx).
		Where("session_entry_id IN (?)", store.conn(ctx).Model(&SessionEntryRecord{}).Select("id").Where("session_id = ?", sessionID)).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMisc, errorCodeList, err)
	}
	methodIDs := make([]*int64, 0, len(records))
	for _, record := range records {
		methodIDs = append(methodIDs, record.PaymentMethodID)
	}
	methods, err := store.paymentMethods(ctx, methodIDs...)
	if err != nil {
		return nil, err
	}
	miscPayments := make([]session.MiscPayment, 0, len(records))
	for _, record := range records {
		miscPayments = append(miscPayments, session.MiscPayment{
			ID:            record.ID,
			EntryID:       record.SessionEntryID,
			Description:   record.Description,
			PaymentMethod: methods.lookup(record.PaymentMethodID),
			Amount:        record.Amount,
			PaymentMade:   record.PaymentMade,
		})
	}
	return miscPayments, nil
}

func (store *Store) UpdateMiscPayment(ctx context.Context, miscPayment session.MiscPayment) error {
	var methodID *int64
	if miscPayment.PaymentMethod != nil {
		methodID = optionalID(miscPayment.PaymentMethod.ID)
	}
	err := store.conn(ctx).
		Model(&SessionMiscPaymentRecord{}).
		Where("id = ?", miscPayment.ID).
		Updates(map[string]interface{}{
			"payment_method_id": methodID,
			"payment_made":      miscPayment.PaymentMade,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectMisc, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetPaymentMethod(ctx context.Context, methodID int64) (session.PaymentMethod, error) {
	methods, err := store.paymentMethods(ctx, &methodID)
	if err != nil {
		return session.PaymentMethod{}, err
	}
	method := methods.lookup(&methodID)
	if method == nil {
		return session.PaymentMethod{}, wrapStoreError(errorSubjectMethod, errorCodeGet, fmt.Errorf("%w: %d", session.ErrPaymentMethodNotFound, methodID))
	}
	return *method, nil
}

// FindPendingPayment matches on club, member, entry, amount and description.
func (store *Store) FindPendingPayment(ctx context.Context, key session.PendingPayment) (session.PendingPayment, bool, error) {
	var records []PendingPaymentRecord
	err := store.conn(ctx).
		Where("org_id = ? AND system_number = ? AND session_entry_id = ? AND description = ?", key.OrgID, key.SystemNumber, key.EntryID, key.Description).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return session.PendingPayment{}, false, wrapStoreError(errorSubjectPending, errorCodeLookup, err)
	}
	for _, record := range records {
		if record.Amount.Equal(key.Amount) {
			return mapPendingPayment(record), true, nil
		}
	}
	return session.PendingPayment{}, false, nil
}

func (store *Store) ListPendingPayments(ctx context.Context, entryID int64) ([]session.PendingPayment, error) {
	var records []PendingPaymentRecord
	err := store.conn(ctx).
		Where("session_entry_id = ?", entryID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPending, errorCodeList, err)
	}
	pendingPayments := make([]session.PendingPayment, 0, len(records))
	for _, record := range records {
		pendingPayments = append(pendingPayments, mapPendingPayment(record))
	}
	return pendingPayments, nil
}

func (store *Store) CreatePendingPayment(ctx context.Context, pendingPayment session.PendingPayment) (session.PendingPayment, error) {
	record := PendingPaymentRecord{
		OrgID:          pendingPayment.OrgID,
		SystemNumber:   pendingPayment.SystemNumber,
		SessionEntryID: pendingPayment.EntryID,
		Amount:         pendingPayment.Amount,
		Description:    pendingPayment.Description,
		CreatedUnixUTC: pendingPayment.CreatedUnixUTC,
	}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return session.PendingPayment{}, wrapStoreError(errorSubjectPending, errorCodeCreate, err)
	}
	return mapPendingPayment(record), nil
}

func (store *Store) DeletePendingPayments(ctx context.Context, orgID int64, systemNumber int64, entryID int64) (int64, error) {
	result := store.conn(ctx).
		Where("org_id = ? AND system_number = ? AND session_entry_id = ?", orgID, systemNumber, entryID).
		Delete(&PendingPaymentRecord{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectPending, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) InsertAuditEvent(ctx context.Context, event session.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
	}
	record := AuditEventRecord{
		OrgID:          event.OrgID,
		SessionID:      event.SessionID,
		Actor:          event.Actor,
		Action:         event.Action,
		Details:        datatypes.JSON(details),
		CreatedUnixUTC: event.CreatedUnixUTC,
	}
	if err := store.conn(ctx).Create(&record).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

// ListAuditEvents lists a session's audit trail oldest first.
func (store *Store) ListAuditEvents(ctx context.Context, sessionID int64) ([]session.AuditEvent, error) {
	var records []AuditEventRecord
	err := store.conn(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	events := make([]session.AuditEvent, 0, len(records))
	for _, record := range records {
		details := map[string]any{}
		if len(record.Details) > 0 {
			if err := json.Unmarshal(record.Details, &details); err != nil {
				return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
			}
		}
		events = append(events, session.AuditEvent{
			OrgID:          record.OrgID,
			SessionID:      record.SessionID,
			Actor:          record.Actor,
			Action:         record.Action,
			Details:        details,
			CreatedUnixUTC: record.CreatedUnixUTC,
		})
	}
	return events, nil
}

type methodSet map[int64]session.PaymentMethod

func (methods methodSet) lookup(methodID *int64) *session.PaymentMethod {
	if methodID == nil {
		return nil
	}
	method, ok := methods[*methodID]
	if !ok {
		return nil
	}
	return &method
}

func (store *Store) paymentMethods(ctx context.Context, methodIDs ...*int64) (methodSet, error) {
	unique := make([]int64, 0, len(methodIDs))
	seen := make(map[int64]struct{}, len(methodIDs))
	for _, methodID := range methodIDs {
		if methodID == nil {
			continue
		}
		if _, ok := seen[*methodID]; ok {
			continue
		}
		seen[*methodID] = struct{}{}
		unique = append(unique, *methodID)
	}
	methods := make(methodSet, len(unique))
	if len(unique) == 0 {
		return methods, nil
	}
	var records []PaymentMethod
	if err := store.conn(ctx).Where("id IN ?", unique).Find(&records).Error; err != nil {
		return nil, wrapStoreError(errorSubjectMethod, errorCodeList, err)
	}
	for _, record := range records {
		methods[record.ID] = session.PaymentMethod{ID: record.ID, OrgID: record.OrgID, Name: record.Name, Active: record.Active}
	}
	return methods, nil
}

func (store *Store) mapSession(ctx context.Context, record SessionRecord) (session.Session, error) {
	status, err := session.ParseStatus(record.Status)
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	date, err := time.Parse(session.DateLayout, record.SessionDate)
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	var organisation Organisation
	err = store.conn(ctx).Where("id = ?", record.OrgID).Take(&organisation).Error
	if err != nil && !isNotFound(err) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeLookup, err)
	}
	director := session.Director{SystemNumber: record.DirectorSystemNumber}
	var member Member
	err = store.conn(ctx).Where("system_number = ?", record.DirectorSystemNumber).Take(&member).Error
	switch {
	case err == nil:
		director.Name = member.FirstName + " " + member.LastName
		director.Email = member.Email
	case !isNotFound(err):
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeLookup, err)
	}
	return session.Session{
		ID:               record.ID,
		OrgID:            record.OrgID,
		OrgName:          organisation.Name,
		SessionTypeID:    record.SessionTypeID,
		Description:      record.Description,
		Date:             date,
		Director:         director,
		Status:           status,
		FallbackMethodID: idOrZero(record.DefaultSecondaryPaymentMethodID),
	}, nil
}

func mapEntry(record SessionEntryRecord, methods methodSet) (session.Entry, error) {
	participant, err := session.ParseParticipant(record.SystemNumber)
	if err != nil {
		return session.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return session.Entry{
		ID:            record.ID,
		SessionID:     record.SessionID,
		TableNumber:   record.TableNumber,
		Seat:          record.Seat,
		Participant:   participant,
		PaymentMethod: methods.lookup(record.PaymentMethodID),
		Fee:           record.Fee,
		IsPaid:        record.IsPaid,
		AmountPaid:    record.AmountPaid,
	}, nil
}

func mapPendingPayment(record PendingPaymentRecord) session.PendingPayment {
	return session.PendingPayment{
		ID:             record.ID,
		OrgID:          record.OrgID,
		SystemNumber:   record.SystemNumber,
		EntryID:        record.SessionEntryID,
		Amount:         record.Amount,
		Description:    record.Description,
		CreatedUnixUTC: record.CreatedUnixUTC,
	}
}
