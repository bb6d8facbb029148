// Package firestore provides a Google Cloud Firestore implementation of the
// quotaflow.Storage interface. Check-and-increment and override transitions
// run inside Firestore transactions, which gives the per-key linearizability
// the engine requires; contention aborts surface as a bounded transient error.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// Storage implements quotaflow.Storage using Google Cloud Firestore.
type Storage struct {
	client               *firestore.Client
	businessesCollection string
	usageCollection      string
	overridesCollection  string
	pointersCollection   string
	violationsCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// BusinessesCollection stores business records (default: "quota_businesses").
	BusinessesCollection string

	// UsageCollection stores ledger cells (default: "quota_usage").
	UsageCollection string

	// OverridesCollection stores override records (default: "quota_overrides").
	OverridesCollection string

	// PointersCollection stores the active-override pointer per
	// (business, dimension) key (default: "quota_override_pointers").
	PointersCollection string

	// ViolationsCollection stores violation records (default: "quota_violations").
	ViolationsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.BusinessesCollection == "" {
		config.BusinessesCollection = "quota_businesses"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "quota_usage"
	}
	if config.OverridesCollection == "" {
		config.OverridesCollection = "quota_overrides"
	}
	if config.PointersCollection == "" {
		config.PointersCollection = "quota_override_pointers"
	}
	if config.ViolationsCollection == "" {
		config.ViolationsCollection = "quota_violations"
	}

	return &Storage{
		client:               client,
		businessesCollection: config.BusinessesCollection,
		usageCollection:      config.UsageCollection,
		overridesCollection:  config.OverridesCollection,
		pointersCollection:   config.PointersCollection,
		violationsCollection: config.ViolationsCollection,
	}, nil
}

type businessDoc struct {
	Name         string    `firestore:"name"`
	OrgNumber    string    `firestore:"orgNumber"`
	Tier         int       `firestore:"tier"`
	Suspended    bool      `firestore:"suspended"`
	LastActivity time.Time `firestore:"lastActivity"`
}

type usageDoc struct {
	BusinessID string    `firestore:"businessId"`
	Dimension  string    `firestore:"dimension"`
	PeriodKey  string    `firestore:"periodKey"`
	Used       int64     `firestore:"used"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

type overrideDoc struct {
	BusinessID    string     `firestore:"businessId"`
	Dimension     string     `firestore:"dimension"`
	OriginalLimit int64      `firestore:"originalLimit"`
	NewLimit      int64      `firestore:"newLimit"`
	Reason        string     `firestore:"reason"`
	RequestedBy   string     `firestore:"requestedBy"`
	ApprovedBy    string     `firestore:"approvedBy"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	ExpiresAt     *time.Time `firestore:"expiresAt"`
	Status        string     `firestore:"status"`
	Emergency     bool       `firestore:"emergency"`
	Note          string     `firestore:"note"`
	RevokedBy     string     `firestore:"revokedBy"`
	RevokedAt     *time.Time `firestore:"revokedAt"`
}

type pointerDoc struct {
	ActiveID string `firestore:"activeId"`
}

type violationDoc struct {
	BusinessID     string     `firestore:"businessId"`
	Dimension      string     `firestore:"dimension"`
	Limit          int64      `firestore:"limit"`
	Attempted      int64      `firestore:"attempted"`
	Exceedance     int64      `firestore:"exceedance"`
	OccurredAt     time.Time  `firestore:"occurredAt"`
	Severity       string     `firestore:"severity"`
	ResolutionNote string     `firestore:"resolutionNote"`
	ResolvedAt     *time.Time `firestore:"resolvedAt"`
}

func keyID(businessID string, dim quotaflow.Dimension) string {
	return fmt.Sprintf("%s|%s", businessID, dim)
}

func (o *overrideDoc) toOverride(id string) *quotaflow.Override {
	return &quotaflow.Override{
		ID:            id,
		BusinessID:    o.BusinessID,
		Dimension:     quotaflow.Dimension(o.Dimension),
		OriginalLimit: o.OriginalLimit,
		NewLimit:      o.NewLimit,
		Reason:        o.Reason,
		RequestedBy:   o.RequestedBy,
		ApprovedBy:    o.ApprovedBy,
		CreatedAt:     o.CreatedAt,
		ExpiresAt:     o.ExpiresAt,
		Status:        quotaflow.OverrideStatus(o.Status),
		Emergency:     o.Emergency,
		Note:          o.Note,
		RevokedBy:     o.RevokedBy,
		RevokedAt:     o.RevokedAt,
	}
}

func fromOverride(o *quotaflow.Override) *overrideDoc {
	return &overrideDoc{
		BusinessID:    o.BusinessID,
		Dimension:     string(o.Dimension),
		OriginalLimit: o.OriginalLimit,
		NewLimit:      o.NewLimit,
		Reason:        o.Reason,
		RequestedBy:   o.RequestedBy,
		ApprovedBy:    o.ApprovedBy,
		CreatedAt:     o.CreatedAt,
		ExpiresAt:     o.ExpiresAt,
		Status:        string(o.Status),
		Emergency:     o.Emergency,
		Note:          o.Note,
		RevokedBy:     o.RevokedBy,
		RevokedAt:     o.RevokedAt,
	}
}

func (v *violationDoc) toViolation(id string) *quotaflow.Violation {
	return &quotaflow.Violation{
		ID:             id,
		BusinessID:     v.BusinessID,
		Dimension:      quotaflow.Dimension(v.Dimension),
		Limit:          v.Limit,
		Attempted:      v.Attempted,
		Exceedance:     v.Exceedance,
		OccurredAt:     v.OccurredAt,
		Severity:       quotaflow.Severity(v.Severity),
		ResolutionNote: v.ResolutionNote,
		ResolvedAt:     v.ResolvedAt,
	}
}

// GetBusiness implements quotaflow.Storage.
func (s *Storage) GetBusiness(ctx context.Context, businessID string) (*quotaflow.Business, error) {
	snap, err := s.client.Collection(s.businessesCollection).Doc(businessID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quotaflow.ErrBusinessNotFound
		}
		return nil, fmt.Errorf("failed to get business: %w", err)
	}

	var doc businessDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode business: %w", err)
	}
	return &quotaflow.Business{
		ID:           businessID,
		Name:         doc.Name,
		OrgNumber:    doc.OrgNumber,
		Tier:         quotaflow.Tier(doc.Tier),
		Suspended:    doc.Suspended,
		LastActivity: doc.LastActivity,
	}, nil
}

// PutBusiness implements quotaflow.Storage.
func (s *Storage) PutBusiness(ctx context.Context, b *quotaflow.Business) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("invalid business")
	}

	_, err := s.client.Collection(s.businessesCollection).Doc(b.ID).Set(ctx, &businessDoc{
		Name:         b.Name,
		OrgNumber:    b.OrgNumber,
		Tier:         int(b.Tier),
		Suspended:    b.Suspended,
		LastActivity: b.LastActivity,
	})
	if err != nil {
		return fmt.Errorf("failed to store business: %w", err)
	}
	return nil
}

// ListBusinesses implements quotaflow.Storage.
func (s *Storage) ListBusinesses(ctx context.Context) ([]*quotaflow.Business, error) {
	snaps, err := s.client.Collection(s.businessesCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list businesses: %w", err)
	}

	out := make([]*quotaflow.Business, 0, len(snaps))
	for _, snap := range snaps {
		var doc businessDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode business: %w", err)
		}
		out = append(out, &quotaflow.Business{
			ID:           snap.Ref.ID,
			Name:         doc.Name,
			OrgNumber:    doc.OrgNumber,
			Tier:         quotaflow.Tier(doc.Tier),
			Suspended:    doc.Suspended,
			LastActivity: doc.LastActivity,
		})
	}
	return out, nil
}

// SetSuspended implements quotaflow.Storage.
func (s *Storage) SetSuspended(ctx context.Context, businessID string, suspended bool) error {
	_, err := s.client.Collection(s.businessesCollection).Doc(businessID).Update(ctx,
		[]firestore.Update{{Path: "suspended", Value: suspended}})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return quotaflow.ErrBusinessNotFound
		}
		return fmt.Errorf("failed to set suspension: %w", err)
	}
	return nil
}

// TouchActivity implements quotaflow.Storage.
func (s *Storage) TouchActivity(ctx context.Context, businessID string, at time.Time) error {
	ref := s.client.Collection(s.businessesCollection).Doc(businessID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc businessDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if !at.After(doc.LastActivity) {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "lastActivity", Value: at}})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return quotaflow.ErrBusinessNotFound
		}
		return wrapContention(err, "failed to touch activity")
	}
	return nil
}

// GetUsage implements quotaflow.Storage.
func (s *Storage) GetUsage(ctx context.Context, businessID string, dim quotaflow.Dimension, period quotaflow.Period) (*quotaflow.Usage, error) {
	snap, err := s.client.Collection(s.usageCollection).Doc(keyID(businessID, dim)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	var doc usageDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode usage: %w", err)
	}
	if doc.PeriodKey != period.Key() {
		return nil, nil
	}
	return &quotaflow.Usage{
		BusinessID: businessID,
		Dimension:  dim,
		Used:       doc.Used,
		Period:     period,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// TryIncrement implements quotaflow.Storage. The read, the lazy rollover, the
// limit check, and the write happen inside one Firestore transaction.
func (s *Storage) TryIncrement(ctx context.Context, req *quotaflow.IncrementRequest) (*quotaflow.IncrementResult, error) {
	if req.Amount < 0 {
		return nil, quotaflow.ErrInvalidAmount
	}

	ref := s.client.Collection(s.usageCollection).Doc(keyID(req.BusinessID, req.Dimension))
	var res quotaflow.IncrementResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var used int64
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc usageDoc
			if derr := snap.DataTo(&doc); derr != nil {
				return derr
			}
			if doc.PeriodKey == req.Period.Key() {
				used = doc.Used
			}
		}

		newUsed := used + req.Amount
		if newUsed > req.Limit {
			res = quotaflow.IncrementResult{NewUsed: used, Allowed: false}
			return nil
		}

		res = quotaflow.IncrementResult{NewUsed: newUsed, Allowed: true}
		return tx.Set(ref, &usageDoc{
			BusinessID: req.BusinessID,
			Dimension:  string(req.Dimension),
			PeriodKey:  req.Period.Key(),
			Used:       newUsed,
			UpdatedAt:  req.Now,
		})
	})
	if err != nil {
		return nil, wrapContention(err, "failed to increment usage")
	}
	return &res, nil
}

// GetOverride implements quotaflow.Storage.
func (s *Storage) GetOverride(ctx context.Context, overrideID string) (*quotaflow.Override, error) {
	snap, err := s.client.Collection(s.overridesCollection).Doc(overrideID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quotaflow.ErrOverrideNotFound
		}
		return nil, fmt.Errorf("failed to get override: %w", err)
	}

	var doc overrideDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode override: %w", err)
	}
	return doc.toOverride(overrideID), nil
}

// ActiveOverride implements quotaflow.Storage.
func (s *Storage) ActiveOverride(ctx context.Context, businessID string, dim quotaflow.Dimension) (*quotaflow.Override, error) {
	snap, err := s.client.Collection(s.pointersCollection).Doc(keyID(businessID, dim)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get override pointer: %w", err)
	}

	var ptr pointerDoc
	if err := snap.DataTo(&ptr); err != nil {
		return nil, fmt.Errorf("failed to decode override pointer: %w", err)
	}
	if ptr.ActiveID == "" {
		return nil, nil
	}
	return s.GetOverride(ctx, ptr.ActiveID)
}

// CreateOverride implements quotaflow.Storage. The pointer read, the revoke
// of the previous record, the insert of the new one, and the pointer move
// commit as one transaction.
func (s *Storage) CreateOverride(ctx context.Context, o *quotaflow.Override) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("invalid override")
	}

	ptrRef := s.client.Collection(s.pointersCollection).Doc(keyID(o.BusinessID, o.Dimension))
	newRef := s.client.Collection(s.overridesCollection).Doc(o.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var prevID string
		snap, err := tx.Get(ptrRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var ptr pointerDoc
			if derr := snap.DataTo(&ptr); derr != nil {
				return derr
			}
			prevID = ptr.ActiveID
		}

		if prevID != "" {
			prevRef := s.client.Collection(s.overridesCollection).Doc(prevID)
			prevSnap, err := tx.Get(prevRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil {
				var prev overrideDoc
				if derr := prevSnap.DataTo(&prev); derr != nil {
					return derr
				}
				if prev.Status == string(quotaflow.OverrideActive) {
					prev.Status = string(quotaflow.OverrideRevoked)
					prev.RevokedBy = o.ApprovedBy
					at := o.CreatedAt
					prev.RevokedAt = &at
					if serr := tx.Set(prevRef, &prev); serr != nil {
						return serr
					}
				}
			}
		}

		if err := tx.Set(newRef, fromOverride(o)); err != nil {
			return err
		}
		return tx.Set(ptrRef, &pointerDoc{ActiveID: o.ID})
	})
	if err != nil {
		return wrapContention(err, "failed to create override")
	}
	return nil
}

// RevokeOverride implements quotaflow.Storage.
func (s *Storage) RevokeOverride(ctx context.Context, overrideID, revokedBy string, at time.Time) error {
	return s.transitionOverride(ctx, overrideID, func(doc *overrideDoc) error {
		if doc.Status != string(quotaflow.OverrideActive) {
			return quotaflow.ErrOverrideNotActive
		}
		doc.Status = string(quotaflow.OverrideRevoked)
		doc.RevokedBy = revokedBy
		atCopy := at
		doc.RevokedAt = &atCopy
		return nil
	})
}

// MarkOverrideExpired implements quotaflow.Storage.
func (s *Storage) MarkOverrideExpired(ctx context.Context, overrideID string, at time.Time) error {
	err := s.transitionOverride(ctx, overrideID, func(doc *overrideDoc) error {
		if doc.Status != string(quotaflow.OverrideActive) {
			// Lost the race with a revoke or another expiry; nothing to do.
			return errNoTransition
		}
		doc.Status = string(quotaflow.OverrideExpired)
		return nil
	})
	if err == errNoTransition {
		return nil
	}
	return err
}

var errNoTransition = fmt.Errorf("no transition needed")

func (s *Storage) transitionOverride(ctx context.Context, overrideID string, mutate func(*overrideDoc) error) error {
	ref := s.client.Collection(s.overridesCollection).Doc(overrideID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return quotaflow.ErrOverrideNotFound
			}
			return err
		}

		var doc overrideDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if err := mutate(&doc); err != nil {
			return err
		}

		if err := tx.Set(ref, &doc); err != nil {
			return err
		}

		ptrRef := s.client.Collection(s.pointersCollection).Doc(
			keyID(doc.BusinessID, quotaflow.Dimension(doc.Dimension)))
		return tx.Set(ptrRef, &pointerDoc{ActiveID: ""})
	})
	if err != nil {
		switch err {
		case quotaflow.ErrOverrideNotFound, quotaflow.ErrOverrideNotActive, errNoTransition:
			return err
		}
		return wrapContention(err, "failed to transition override")
	}
	return nil
}

// ListOverrides implements quotaflow.Storage.
func (s *Storage) ListOverrides(ctx context.Context, businessID string) ([]*quotaflow.Override, error) {
	snaps, err := s.client.Collection(s.overridesCollection).
		Where("businessId", "==", businessID).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}

	out := make([]*quotaflow.Override, 0, len(snaps))
	for _, snap := range snaps {
		var doc overrideDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode override: %w", err)
		}
		out = append(out, doc.toOverride(snap.Ref.ID))
	}
	return out, nil
}

// InsertViolation implements quotaflow.Storage.
func (s *Storage) InsertViolation(ctx context.Context, v *quotaflow.Violation) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("invalid violation")
	}

	_, err := s.client.Collection(s.violationsCollection).Doc(v.ID).Set(ctx, &violationDoc{
		BusinessID:     v.BusinessID,
		Dimension:      string(v.Dimension),
		Limit:          v.Limit,
		Attempted:      v.Attempted,
		Exceedance:     v.Exceedance,
		OccurredAt:     v.OccurredAt,
		Severity:       string(v.Severity),
		ResolutionNote: v.ResolutionNote,
		ResolvedAt:     v.ResolvedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to store violation: %w", err)
	}
	return nil
}

// GetViolation implements quotaflow.Storage.
func (s *Storage) GetViolation(ctx context.Context, violationID string) (*quotaflow.Violation, error) {
	snap, err := s.client.Collection(s.violationsCollection).Doc(violationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quotaflow.ErrViolationNotFound
		}
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}

	var doc violationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode violation: %w", err)
	}
	return doc.toViolation(violationID), nil
}

// ResolveViolation implements quotaflow.Storage.
func (s *Storage) ResolveViolation(ctx context.Context, violationID, note string, at time.Time) error {
	_, err := s.client.Collection(s.violationsCollection).Doc(violationID).Update(ctx,
		[]firestore.Update{
			{Path: "resolutionNote", Value: note},
			{Path: "resolvedAt", Value: at},
		})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return quotaflow.ErrViolationNotFound
		}
		return fmt.Errorf("failed to resolve violation: %w", err)
	}
	return nil
}

// ListViolations implements quotaflow.Storage.
func (s *Storage) ListViolations(ctx context.Context, businessID string) ([]*quotaflow.Violation, error) {
	snaps, err := s.client.Collection(s.violationsCollection).
		Where("businessId", "==", businessID).
		OrderBy("occurredAt", firestore.Desc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}

	out := make([]*quotaflow.Violation, 0, len(snaps))
	for _, snap := range snaps {
		var doc violationDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode violation: %w", err)
		}
		out = append(out, doc.toViolation(snap.Ref.ID))
	}
	return out, nil
}

// wrapContention maps transaction aborts, which the Firestore client gives up
// on after its own internal retries, to the engine's transient retry error.
func wrapContention(err error, msg string) error {
	if status.Code(err) == codes.Aborted {
		return quotaflow.ErrRetryExhausted
	}
	return fmt.Errorf("%s: %w", msg, err)
}
