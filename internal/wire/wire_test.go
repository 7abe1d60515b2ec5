package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSyncFrame(t *testing.T) {
	frame := []byte(`{"type":"sync","data":{"entity":"task","action":"updated","entityId":"t1","projectId":"p1","data":{"_id":"t1","columnId":"done"}}}`)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, MessageSync, decoded.Type)
	require.NotNil(t, decoded.Sync)
	assert.Nil(t, decoded.Notification)
	assert.Equal(t, EntityTask, decoded.Sync.Entity)
	assert.Equal(t, ActionUpdated, decoded.Sync.Action)
	assert.Equal(t, "p1", decoded.Sync.ProjectID)
	assert.Equal(t, "done", decoded.Sync.Data["columnId"])
}

func TestDecodeNormalizesDeletedAndReordered(t *testing.T) {
	deleted, err := Decode([]byte(`{"type":"sync","data":{"entity":"label","action":"deleted","entityId":"l1","data":{"_id":"l1"}}}`))
	require.NoError(t, err)
	assert.Nil(t, deleted.Sync.Data, "deleted events must not carry data")

	reordered, err := Decode([]byte(`{"type":"sync","data":{"entity":"task","action":"reordered","entityId":"t9","projectId":"p1"}}`))
	require.NoError(t, err)
	assert.Empty(t, reordered.Sync.EntityID)
	assert.Nil(t, reordered.Sync.Data)
	assert.Equal(t, "p1", reordered.Sync.ProjectID)
}

func TestDecodeRejectsInvalidSyncPayload(t *testing.T) {
	cases := map[string]string{
		"unknown entity":     `{"type":"sync","data":{"entity":"widget","action":"created","entityId":"w1"}}`,
		"unknown action":     `{"type":"sync","data":{"entity":"task","action":"moved","entityId":"t1"}}`,
		"missing entity id":  `{"type":"sync","data":{"entity":"task","action":"created"}}`,
		"empty entity id":    `{"type":"sync","data":{"entity":"task","action":"updated","entityId":""}}`,
		"missing payload":    `{"type":"sync"}`,
		"data is not object": `{"type":"sync","data":{"entity":"task","action":"updated","entityId":"t1","data":"x"}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			require.Error(t, err)
		})
	}
}

func TestDecodeNotificationFrame(t *testing.T) {
	frame, err := Encode(MessageNotification, NotificationEvent{
		Type:           "task_assigned",
		NotificationID: "n1",
		UserID:         "u1",
		TaskID:         "t1",
		Title:          "Assigned",
		Message:        "You were assigned a task",
		Timestamp:      "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.Notification)
	assert.Equal(t, "n1", decoded.Notification.NotificationID)
	assert.Equal(t, "t1", decoded.Notification.TaskID)
}

func TestDecodeUnknownMessageType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"presence","data":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMessage))
}
