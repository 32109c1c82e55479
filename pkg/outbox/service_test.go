package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/internal/repo/repotest"
	"github.com/angelmondragon/grosir-backend/pkg/db/models"
	"github.com/angelmondragon/grosir-backend/pkg/enums"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
)

func TestEmitWritesEnvelope(t *testing.T) {
	db := repotest.NewDB(t)
	repo := outbox.NewRepository(db)
	svc := outbox.NewService(repo, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))

	sessionID := uuid.New()
	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, outbox.DomainEvent{
			EventType:     enums.EventSessionCreated,
			AggregateType: enums.AggregateSession,
			AggregateID:   sessionID,
			Actor:         outbox.SystemActor("test"),
			Data:          map[string]string{"session_code": "GB-1"},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, sessionID, rows[0].AggregateID)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.Equal(t, "test", envelope.Actor.Source)
	assert.JSONEq(t, `{"session_code":"GB-1"}`, string(envelope.Data))
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	db := repotest.NewDB(t)
	svc := outbox.NewService(outbox.NewRepository(db), nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, outbox.DomainEvent{
			EventType:     enums.EventParticipantJoined,
			AggregateType: enums.AggregateParticipant,
			AggregateID:   uuid.New(),
			Data:          struct{}{},
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEmitIfNotExistsDeduplicates(t *testing.T) {
	db := repotest.NewDB(t)
	svc := outbox.NewService(outbox.NewRepository(db), nil)
	event := outbox.DomainEvent{
		EventType:     enums.EventBackorderDetected,
		AggregateType: enums.AggregateSession,
		AggregateID:   uuid.New(),
		Data:          struct{}{},
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return svc.EmitIfNotExists(context.Background(), tx, event)
		}))
	}
	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEmitRejectsInvalidEvents(t *testing.T) {
	db := repotest.NewDB(t)
	svc := outbox.NewService(outbox.NewRepository(db), nil)

	cases := map[string]outbox.DomainEvent{
		"unknown type": {
			EventType:     enums.OutboxEventType("mystery"),
			AggregateType: enums.AggregateSession,
			AggregateID:   uuid.New(),
		},
		"missing aggregate id": {
			EventType:     enums.EventSessionCreated,
			AggregateType: enums.AggregateSession,
		},
		"unmarshalable data": {
			EventType:     enums.EventSessionCreated,
			AggregateType: enums.AggregateSession,
			AggregateID:   uuid.New(),
			Data:          make(chan int),
		},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			err := db.Transaction(func(tx *gorm.DB) error {
				return svc.Emit(context.Background(), tx, event)
			})
			require.Error(t, err)
		})
	}

	require.Error(t, svc.Emit(context.Background(), nil, outbox.DomainEvent{}))
}

func TestRepositoryPublishBookkeeping(t *testing.T) {
	db := repotest.NewDB(t)
	repo := outbox.NewRepository(db)

	published := models.OutboxEvent{EventType: enums.EventSessionCreated, AggregateType: enums.AggregateSession, AggregateID: uuid.New(), Payload: datatypes.JSON(`{}`)}
	pending := models.OutboxEvent{EventType: enums.EventSessionCreated, AggregateType: enums.AggregateSession, AggregateID: uuid.New(), Payload: datatypes.JSON(`{}`)}
	require.NoError(t, db.Create(&published).Error)
	require.NoError(t, db.Create(&pending).Error)

	require.NoError(t, repo.MarkPublishedTx(db, published.ID))
	require.NoError(t, repo.MarkFailedTx(db, pending.ID, errors.New("transient")))

	rows, err := repo.FetchUnpublishedForPublish(db, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pending.ID, rows[0].ID)
	assert.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "transient", *rows[0].LastError)

	require.NoError(t, repo.MarkTerminalTx(db, pending.ID, errors.New("dead"), 5))
	rows, err = repo.FetchUnpublishedForPublish(db, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, rows)

	deleted, err := repo.DeletePublishedBefore(context.Background(), db, time.Now().UTC().Add(time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
