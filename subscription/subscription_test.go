package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitwarden/autopush-manager/message"
	"github.com/bitwarden/autopush-manager/storage"
)

func newTestStore() *storage.Storage {
	return storage.New(storage.NewMemoryBackend())
}

func TestCreateRequiresApplicationServerKey(t *testing.T) {
	_, err := Create("chan-1", newTestStore(), "https://example.com/push/1", Options{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestCreateRequiresValidEndpoint(t *testing.T) {
	_, err := Create("chan-1", newTestStore(), "not-a-url", Options{ApplicationServerKey: "k"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestCreateThenRecoverRoundTrip(t *testing.T) {
	store := newTestStore()
	opts := Options{UserVisibleOnly: true, ApplicationServerKey: "BCh0IFs"}

	created, err := Create("chan-1", store, "https://example.com/push/chan-1", opts, nil, nil, nil)
	require.NoError(t, err)

	recovered, err := Recover("chan-1", store, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, created.Endpoint(), recovered.Endpoint())
	assert.Equal(t, created.Options(), recovered.Options())
	assert.Equal(t, created.GetKey("auth"), recovered.GetKey("auth"))
	assert.Equal(t, created.GetKey("p256dh"), recovered.GetKey("p256dh"))
}

func TestRecoverMissingFails(t *testing.T) {
	_, err := Recover("nonexistent", newTestStore(), nil, nil)
	assert.Error(t, err)
}

func TestDestroyRemovesPersistedKeys(t *testing.T) {
	store := newTestStore()
	sub, err := Create("chan-1", store, "https://example.com/push/chan-1", Options{ApplicationServerKey: "k"}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sub.Destroy())

	_, err = Recover("chan-1", store, nil, nil)
	assert.Error(t, err)
}

func TestToJSONShape(t *testing.T) {
	store := newTestStore()
	sub, err := Create("chan-1", store, "https://example.com/push/chan-1", Options{ApplicationServerKey: "k"}, nil, nil, nil)
	require.NoError(t, err)

	j := sub.ToJSON()
	assert.Equal(t, "https://example.com/push/chan-1", j.Endpoint)
	assert.Nil(t, j.ExpirationTime)
	assert.NotEmpty(t, j.Keys.Auth)
	assert.NotEmpty(t, j.Keys.P256DH)
}

func TestHandleNotificationWithoutDataDispatchesNil(t *testing.T) {
	store := newTestStore()
	sub, err := Create("chan-1", store, "https://example.com/push/chan-1", Options{ApplicationServerKey: "k"}, nil, nil, nil)
	require.NoError(t, err)

	var got any = "unset"
	sub.AddEventListener(EventNotification, func(args ...any) { got = args[0] })

	err = sub.HandleNotification(&message.Notification{ChannelID: "chan-1", Version: "v1"})
	require.NoError(t, err)

	ptr, ok := got.(*string)
	require.True(t, ok)
	assert.Nil(t, ptr)
}

func TestHandleNotificationDecryptFailureReturnsAckCodeError(t *testing.T) {
	store := newTestStore()
	sub, err := Create("chan-1", store, "https://example.com/push/chan-1", Options{ApplicationServerKey: "k"}, nil, nil, nil)
	require.NoError(t, err)

	err = sub.HandleNotification(&message.Notification{
		ChannelID: "chan-1",
		Version:   "v1",
		Data:      "VGhpcyBzaG91bGQgaGF2ZSBiZWVuIGVuY3J5cHRlZA",
		Headers:   map[string]string{"Content-Encoding": "aes128gcm"},
	})

	require.Error(t, err)
	var ackErr *AckCodeError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, message.AckDecryptFail, ackErr.Code)
}

func TestHandleNotificationWithoutEncodingHeaderFails(t *testing.T) {
	store := newTestStore()
	sub, err := Create("chan-1", store, "https://example.com/push/chan-1", Options{ApplicationServerKey: "k"}, nil, nil, nil)
	require.NoError(t, err)

	err = sub.HandleNotification(&message.Notification{
		ChannelID: "chan-1",
		Version:   "v1",
		Data:      "abcd",
	})

	var ackErr *AckCodeError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, message.AckDecryptFail, ackErr.Code)
}
