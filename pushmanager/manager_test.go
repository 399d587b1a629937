package pushmanager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitwarden/autopush-manager/message"
	"github.com/bitwarden/autopush-manager/storage"
	"github.com/bitwarden/autopush-manager/subscription"
)

// testServer is a minimal Autopush stand-in: an httptest server that
// upgrades every request to a WebSocket and hands the connection to
// the test so it can script hello/register/unregister responses by
// hand, grounded on nzlov/sw's node.go upgrader shape.
type testServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client connection")
		return nil
	}
}

func readFrame[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// newManagerAsync starts New in a goroutine (it blocks until the
// hello round-trip settles) and returns channels the caller selects on
// after scripting the server side.
func newManagerAsync(store *storage.Storage, options Options) (<-chan *Manager, <-chan error) {
	mgrCh := make(chan *Manager, 1)
	errCh := make(chan error, 1)
	go func() {
		mgr, err := New(store, nil, options)
		if err != nil {
			errCh <- err
			return
		}
		mgrCh <- mgr
	}()
	return mgrCh, errCh
}

func awaitManager(t *testing.T, mgrCh <-chan *Manager, errCh <-chan error) *Manager {
	t.Helper()
	select {
	case mgr := <-mgrCh:
		return mgr
	case err := <-errCh:
		t.Fatalf("New failed: %v", err)
		return nil
	case <-time.After(3 * time.Second):
		t.Fatal("timed out constructing manager")
		return nil
	}
}

func TestManagerConnectCompletesHello(t *testing.T) {
	ts := newTestServer(t)
	store := storage.New(storage.NewMemoryBackend())

	mgrCh, errCh := newManagerAsync(store, Options{AutopushURL: ts.wsURL()})

	conn := ts.accept(t)
	hello := readFrame[message.Hello](t, conn)
	assert.Equal(t, message.TypeHello, hello.MessageType)
	assert.True(t, hello.UseWebPush)
	writeFrame(t, conn, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})

	mgr := awaitManager(t, mgrCh, errCh)
	defer mgr.Destroy()

	assert.Equal(t, "uaid-1", mgr.UAID())
	assert.Equal(t, StateReady, mgr.State())
}

func TestManagerSubscribeRegistersAndDedupesByKey(t *testing.T) {
	ts := newTestServer(t)
	store := storage.New(storage.NewMemoryBackend())

	mgrCh, errCh := newManagerAsync(store, Options{AutopushURL: ts.wsURL()})
	conn := ts.accept(t)
	_ = readFrame[message.Hello](t, conn)
	writeFrame(t, conn, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})

	mgr := awaitManager(t, mgrCh, errCh)
	defer mgr.Destroy()

	subDone := make(chan struct{})
	var sub *subscription.Subscription
	var subErr error
	go func() {
		sub, subErr = mgr.Subscribe(subscription.Options{ApplicationServerKey: "key-1"})
		close(subDone)
	}()

	reg := readFrame[message.Register](t, conn)
	assert.Equal(t, "key-1", reg.Key)
	endpoint := "https://example.com/push/" + reg.ChannelID
	writeFrame(t, conn, &message.Register{
		MessageType: message.TypeRegister, ChannelID: reg.ChannelID, Status: 200, PushEndpoint: endpoint,
	})

	<-subDone
	require.NoError(t, subErr)
	require.NotNil(t, sub)
	assert.Equal(t, endpoint, sub.Endpoint())

	existing, err := mgr.Subscribe(subscription.Options{ApplicationServerKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, sub.ChannelID(), existing.ChannelID())
}

func TestManagerSubscribeRequiresApplicationServerKey(t *testing.T) {
	ts := newTestServer(t)
	store := storage.New(storage.NewMemoryBackend())

	mgrCh, errCh := newManagerAsync(store, Options{AutopushURL: ts.wsURL()})
	conn := ts.accept(t)
	_ = readFrame[message.Hello](t, conn)
	writeFrame(t, conn, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})

	mgr := awaitManager(t, mgrCh, errCh)
	defer mgr.Destroy()

	_, err := mgr.Subscribe(subscription.Options{})
	assert.ErrorIs(t, err, ErrMissingApplicationServerKey)
}

func TestManagerUnsubscribeRemovesFromRegistry(t *testing.T) {
	ts := newTestServer(t)
	store := storage.New(storage.NewMemoryBackend())

	mgrCh, errCh := newManagerAsync(store, Options{AutopushURL: ts.wsURL()})
	conn := ts.accept(t)
	_ = readFrame[message.Hello](t, conn)
	writeFrame(t, conn, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})

	mgr := awaitManager(t, mgrCh, errCh)
	defer mgr.Destroy()

	subDone := make(chan struct{})
	var sub *subscription.Subscription
	go func() {
		sub, _ = mgr.Subscribe(subscription.Options{ApplicationServerKey: "key-1"})
		close(subDone)
	}()
	reg := readFrame[message.Register](t, conn)
	writeFrame(t, conn, &message.Register{
		MessageType: message.TypeRegister, ChannelID: reg.ChannelID, Status: 200,
		PushEndpoint: "https://example.com/push/" + reg.ChannelID,
	})
	<-subDone
	require.NotNil(t, sub)

	unsubDone := make(chan struct{})
	var unsubErr error
	go func() {
		unsubErr = mgr.Unsubscribe(sub.ChannelID())
		close(unsubDone)
	}()

	unreg := readFrame[message.Unregister](t, conn)
	assert.Equal(t, sub.ChannelID(), unreg.ChannelID)
	writeFrame(t, conn, &message.Unregister{MessageType: message.TypeUnregister, ChannelID: unreg.ChannelID, Status: 200})

	<-unsubDone
	assert.NoError(t, unsubErr)
	assert.Equal(t, 0, mgr.registry.Len())
}

func TestManagerPersistsUAIDAcrossRestart(t *testing.T) {
	store := storage.New(storage.NewMemoryBackend())

	ts1 := newTestServer(t)
	mgr1Ch, err1Ch := newManagerAsync(store, Options{AutopushURL: ts1.wsURL()})
	conn1 := ts1.accept(t)
	_ = readFrame[message.Hello](t, conn1)
	writeFrame(t, conn1, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})
	mgr1 := awaitManager(t, mgr1Ch, err1Ch)
	require.NoError(t, mgr1.Destroy())

	ts2 := newTestServer(t)
	mgr2Ch, err2Ch := newManagerAsync(store, Options{AutopushURL: ts2.wsURL()})
	conn2 := ts2.accept(t)
	hello2 := readFrame[message.Hello](t, conn2)
	assert.Equal(t, "uaid-1", hello2.UAID)
	writeFrame(t, conn2, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})
	mgr2 := awaitManager(t, mgr2Ch, err2Ch)
	defer mgr2.Destroy()
}

func TestManagerReconnectsAfterSocketClose(t *testing.T) {
	ts := newTestServer(t)
	store := storage.New(storage.NewMemoryBackend())

	mgrCh, errCh := newManagerAsync(store, Options{
		AutopushURL:    ts.wsURL(),
		ReconnectDelay: func() time.Duration { return 10 * time.Millisecond },
	})
	conn := ts.accept(t)
	_ = readFrame[message.Hello](t, conn)
	writeFrame(t, conn, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})

	mgr := awaitManager(t, mgrCh, errCh)
	defer mgr.Destroy()
	require.Equal(t, StateReady, mgr.State())

	require.NoError(t, conn.Close())

	conn2 := ts.accept(t)
	hello2 := readFrame[message.Hello](t, conn2)
	assert.Equal(t, "uaid-1", hello2.UAID)
	writeFrame(t, conn2, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})

	require.Eventually(t, func() bool {
		return mgr.State() == StateReady
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerHelloRotationReInitsSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	store := storage.New(storage.NewMemoryBackend())

	mgrCh, errCh := newManagerAsync(store, Options{AutopushURL: ts.wsURL()})
	conn := ts.accept(t)
	_ = readFrame[message.Hello](t, conn)
	writeFrame(t, conn, &message.Hello{MessageType: message.TypeHello, UAID: "uaid-1", Status: 200})
	mgr := awaitManager(t, mgrCh, errCh)
	defer mgr.Destroy()

	subDone := make(chan struct{})
	var sub *subscription.Subscription
	go func() {
		sub, _ = mgr.Subscribe(subscription.Options{ApplicationServerKey: "key-1"})
		close(subDone)
	}()
	reg := readFrame[message.Register](t, conn)
	firstChannel := reg.ChannelID
	writeFrame(t, conn, &message.Register{
		MessageType: message.TypeRegister, ChannelID: firstChannel, Status: 200,
		PushEndpoint: "https://example.com/push/" + firstChannel,
	})
	<-subDone
	require.NotNil(t, sub)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, mustMarshal(t, &message.Hello{
		MessageType: message.TypeHello, UAID: "uaid-2", Status: 200,
	})))

	reg2 := readFrame[message.Register](t, conn)
	assert.NotEqual(t, firstChannel, reg2.ChannelID)
	writeFrame(t, conn, &message.Register{
		MessageType: message.TypeRegister, ChannelID: reg2.ChannelID, Status: 200,
		PushEndpoint: "https://example.com/push/" + reg2.ChannelID,
	})

	require.Eventually(t, func() bool {
		return mgr.UAID() == "uaid-2"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return mgr.registry.Get(firstChannel) == nil && mgr.registry.Get(reg2.ChannelID) != nil
	}, time.Second, 5*time.Millisecond)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultAutopushURL, o.AutopushURL)
	assert.NotNil(t, o.ReconnectDelay)
	assert.Equal(t, 1000*time.Millisecond, o.ReconnectDelay())

	custom := Options{AutopushURL: "wss://example.com"}.withDefaults()
	assert.Equal(t, "wss://example.com", custom.AutopushURL)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(99).String())
}
