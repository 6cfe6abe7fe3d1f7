package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB User Integration Adapter
// =============================================================================

// IntegrationAdapter implements out.IntegrationRepository using MongoDB.
type IntegrationAdapter struct {
	collection *mongo.Collection
}

// NewIntegrationAdapter creates a new MongoDB integration adapter.
func NewIntegrationAdapter(db *mongo.Database) *IntegrationAdapter {
	return &IntegrationAdapter{collection: db.Collection(collectionIntegrations)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *IntegrationAdapter) EnsureIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type integrationDocument struct {
	UserID string `bson:"user_id"`

	Connected           bool `bson:"connected"`
	CalendarSyncEnabled bool `bson:"calendar_sync_enabled"`

	AccessToken    string     `bson:"access_token,omitempty"`
	RefreshToken   string     `bson:"refresh_token,omitempty"` // vault ciphertext
	TokenExpiresAt *time.Time `bson:"token_expires_at,omitempty"`

	CalendarID             string `bson:"calendar_id,omitempty"`
	Timezone               string `bson:"timezone,omitempty"`
	DefaultReminderOffsets []int  `bson:"default_reminder_offsets,omitempty"`
	DefaultEventMinutes    int    `bson:"default_event_minutes,omitempty"`

	NotificationHistory map[string][]time.Time `bson:"notification_history,omitempty"`

	ConnectedAt         *time.Time `bson:"connected_at,omitempty"`
	ReconnectRequiredAt *time.Time `bson:"reconnect_required_at,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at"`
}

func toIntegrationDocument(u *domain.UserIntegration) *integrationDocument {
	doc := &integrationDocument{
		UserID:                 u.UserID,
		Connected:              u.Connected,
		CalendarSyncEnabled:    u.CalendarSyncEnabled,
		AccessToken:            u.AccessToken,
		RefreshToken:           u.RefreshToken,
		TokenExpiresAt:         u.TokenExpiresAt,
		CalendarID:             u.CalendarID,
		Timezone:               u.Timezone,
		DefaultReminderOffsets: u.DefaultReminderOffsets,
		DefaultEventMinutes:    u.DefaultEventMinutes,
		ConnectedAt:            u.ConnectedAt,
		ReconnectRequiredAt:    u.ReconnectRequiredAt,
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
	}
	if len(u.NotificationHistory) > 0 {
		doc.NotificationHistory = make(map[string][]time.Time, len(u.NotificationHistory))
		for kind, ts := range u.NotificationHistory {
			doc.NotificationHistory[string(kind)] = ts
		}
	}
	return doc
}

func (d *integrationDocument) toEntity() *domain.UserIntegration {
	u := &domain.UserIntegration{
		UserID:                 d.UserID,
		Connected:              d.Connected,
		CalendarSyncEnabled:    d.CalendarSyncEnabled,
		AccessToken:            d.AccessToken,
		RefreshToken:           d.RefreshToken,
		TokenExpiresAt:         d.TokenExpiresAt,
		CalendarID:             d.CalendarID,
		Timezone:               d.Timezone,
		DefaultReminderOffsets: d.DefaultReminderOffsets,
		DefaultEventMinutes:    d.DefaultEventMinutes,
		NotificationHistory:    make(map[domain.NotificationKind][]time.Time, len(d.NotificationHistory)),
		ConnectedAt:            d.ConnectedAt,
		ReconnectRequiredAt:    d.ReconnectRequiredAt,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
	for kind, ts := range d.NotificationHistory {
		u.NotificationHistory[domain.NotificationKind(kind)] = ts
	}
	return u
}

// =============================================================================
// Operations
// =============================================================================

// GetByUserID returns nil when the user never started a connect.
func (a *IntegrationAdapter) GetByUserID(ctx context.Context, userID string) (*domain.UserIntegration, error) {
	var doc integrationDocument
	err := a.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return doc.toEntity(), nil
}

// Create inserts u unless the user already has a document.
func (a *IntegrationAdapter) Create(ctx context.Context, u *domain.UserIntegration) error {
	doc := toIntegrationDocument(u)
	// user_id comes from the equality filter on insert
	insert := bson.M{
		"connected":             doc.Connected,
		"calendar_sync_enabled": doc.CalendarSyncEnabled,
		"created_at":            doc.CreatedAt,
		"updated_at":            doc.UpdatedAt,
	}
	if doc.CalendarID != "" {
		insert["calendar_id"] = doc.CalendarID
	}
	_, err := a.collection.UpdateOne(ctx, bson.M{"user_id": u.UserID},
		bson.M{"$setOnInsert": insert}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

// Connect stores the grant with a pipeline update so calendar_id and
// created_at keep their stored values. Only the connection fields are
// written; preferences and notification history are left alone.
func (a *IntegrationAdapter) Connect(ctx context.Context, userID string, grant domain.TokenUpdate, at time.Time) (*domain.UserIntegration, error) {
	filter := bson.M{"user_id": userID}
	set := bson.D{
		{Key: "connected", Value: true},
		{Key: "calendar_sync_enabled", Value: true},
		{Key: "access_token", Value: bson.M{"$literal": grant.AccessToken}},
		{Key: "calendar_id", Value: bson.M{"$ifNull": bson.A{"$calendar_id", domain.DefaultCalendarID}}},
		{Key: "connected_at", Value: at},
		{Key: "created_at", Value: bson.M{"$ifNull": bson.A{"$created_at", at}}},
		{Key: "updated_at", Value: at},
	}
	unset := bson.A{"reconnect_required_at"}
	if exp := grant.ExpiresAt(); exp != nil {
		set = append(set, bson.E{Key: "token_expires_at", Value: *exp})
	} else {
		unset = append(unset, "token_expires_at")
	}

	upsert := grant.RefreshToken != ""
	if upsert {
		set = append(set, bson.E{Key: "refresh_token", Value: bson.M{"$literal": grant.RefreshToken}})
	} else {
		// keep the stored credential, and refuse when a disconnect cleared it
		filter["refresh_token"] = bson.M{"$gt": ""}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: set}},
		{{Key: "$unset", Value: unset}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(upsert).SetReturnDocument(options.After)

	for attempt := 0; ; attempt++ {
		var doc integrationDocument
		err := a.collection.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&doc)
		switch {
		case err == nil:
			return doc.toEntity(), nil
		case errors.Is(err, mongo.ErrNoDocuments):
			return nil, domain.ErrNoStoredCredential
		case mongo.IsDuplicateKeyError(err) && attempt == 0:
			continue
		default:
			return nil, fmt.Errorf("failed to connect integration: %w", err)
		}
	}
}

// UpdatePreferences sets only the given preference fields.
func (a *IntegrationAdapter) UpdatePreferences(ctx context.Context, userID string, prefs domain.IntegrationPreferences, at time.Time) (*domain.UserIntegration, error) {
	set := bson.M{"updated_at": at}
	if prefs.CalendarID != nil {
		set["calendar_id"] = *prefs.CalendarID
	}
	if prefs.Timezone != nil {
		set["timezone"] = *prefs.Timezone
	}
	if prefs.DefaultReminderOffsets != nil {
		set["default_reminder_offsets"] = prefs.DefaultReminderOffsets
	}
	if prefs.DefaultEventMinutes != nil {
		set["default_event_minutes"] = *prefs.DefaultEventMinutes
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc integrationDocument
	err := a.collection.FindOneAndUpdate(ctx, bson.M{"user_id": userID}, bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	return doc.toEntity(), nil
}

// UpdateTokens persists a refreshed credential. An empty RefreshToken keeps
// the stored ciphertext.
func (a *IntegrationAdapter) UpdateTokens(ctx context.Context, userID string, update domain.TokenUpdate, at time.Time) error {
	set := bson.M{
		"access_token":     update.AccessToken,
		"token_expires_at": update.TokenExpiresAt,
		"updated_at":       at,
	}
	if update.RefreshToken != "" {
		set["refresh_token"] = update.RefreshToken
	}
	return a.updateOne(ctx, userID, bson.M{"$set": set})
}

// Disconnect clears both flags and the four token/calendar fields in one write.
func (a *IntegrationAdapter) Disconnect(ctx context.Context, userID string, at time.Time) error {
	return a.updateOne(ctx, userID, bson.M{
		"$set": bson.M{
			"connected":             false,
			"calendar_sync_enabled": false,
			"updated_at":            at,
		},
		"$unset": tokenFields(),
	})
}

// MarkReconnectionRequired severs sync; clearTokens also wipes the credential.
func (a *IntegrationAdapter) MarkReconnectionRequired(ctx context.Context, userID string, clearTokens bool, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"connected":             false,
		"calendar_sync_enabled": false,
		"reconnect_required_at": at,
		"updated_at":            at,
	}}
	if clearTokens {
		update["$unset"] = tokenFields()
	}
	return a.updateOne(ctx, userID, update)
}

// SetSyncEnabled toggles the user-level sync flag.
func (a *IntegrationAdapter) SetSyncEnabled(ctx context.Context, userID string, enabled bool, at time.Time) error {
	return a.updateOne(ctx, userID, bson.M{"$set": bson.M{
		"calendar_sync_enabled": enabled,
		"updated_at":            at,
	}})
}

// AppendNotification pushes at onto the kind's history and drops entries
// older than keep, in a single pipeline update.
func (a *IntegrationAdapter) AppendNotification(ctx context.Context, userID string, kind domain.NotificationKind, at time.Time, keep time.Duration) error {
	field := "notification_history." + string(kind)
	cutoff := at.Add(-keep)

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: field, Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$filter", Value: bson.D{
					{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, bson.A{}}}}},
					{Key: "as", Value: "ts"},
					{Key: "cond", Value: bson.D{{Key: "$gt", Value: bson.A{"$$ts", cutoff}}}},
				}}},
				bson.A{at},
			}}}},
			{Key: "updated_at", Value: at},
		}}},
	}

	res, err := a.collection.UpdateOne(ctx, bson.M{"user_id": userID}, pipeline)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

func (a *IntegrationAdapter) updateOne(ctx context.Context, userID string, update bson.M) error {
	res, err := a.collection.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

func tokenFields() bson.M {
	return bson.M{
		"access_token":     "",
		"refresh_token":    "",
		"token_expires_at": "",
		"calendar_id":      "",
	}
}

var _ out.IntegrationRepository = (*IntegrationAdapter)(nil)
