package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/githubkpis/analyzer/internal/analyzer"
	"github.com/githubkpis/analyzer/internal/scheduler"
)

// fakeJobs records scheduler calls and greets connecting clients the way
// the real scheduler does.
type fakeJobs struct {
	hub *Hub

	mu           sync.Mutex
	submitted    []analyzer.Request
	connected    []string
	disconnected []string
}

func (f *fakeJobs) Submit(req analyzer.Request, requesterID string) (*scheduler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return &scheduler.Job{UID: "job-1", Request: req, RequesterID: requesterID}, nil
}

func (f *fakeJobs) ClientConnected(clientID string) {
	f.mu.Lock()
	f.connected = append(f.connected, clientID)
	f.mu.Unlock()
	f.hub.Broadcast(scheduler.EventStatus, scheduler.Status{ClientsCount: f.hub.Clients()})
	f.hub.SendTo(clientID, scheduler.EventOpsList, []scheduler.Job{})
}

func (f *fakeJobs) ClientDisconnected(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, clientID)
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg envelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// TestSocketGreetsNewClient expects a status broadcast followed by the
// private job list on connect.
func TestSocketGreetsNewClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	jobs := &fakeJobs{hub: hub}
	hub.SetJobs(jobs)

	conn := dialHub(t, hub)
	first := readEvent(t, conn)
	require.Equal(t, scheduler.EventStatus, first.Event)
	second := readEvent(t, conn)
	require.Equal(t, scheduler.EventOpsList, second.Event)

	require.Eventually(t, func() bool { return hub.Clients() == 1 },
		time.Second, 5*time.Millisecond)
}

// TestSocketSubmission forwards a well-formed add event to the scheduler.
func TestSocketSubmission(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	jobs := &fakeJobs{hub: hub}
	hub.SetJobs(jobs)

	conn := dialHub(t, hub)
	readEvent(t, conn) // status
	readEvent(t, conn) // ops list

	payload, err := json.Marshal(analyzer.Request{RepoFullName: "acme/widget", MaxStarsPerUser: 300})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(envelope{Event: scheduler.EventOpAdd, Payload: payload}))

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.submitted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Equal(t, "acme/widget", jobs.submitted[0].RepoFullName)
	require.Equal(t, 300, jobs.submitted[0].MaxStarsPerUser)
}

// TestSocketRejectsMalformedSubmission answers with a private message and
// never reaches the scheduler.
func TestSocketRejectsMalformedSubmission(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	jobs := &fakeJobs{hub: hub}
	hub.SetJobs(jobs)

	conn := dialHub(t, hub)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(envelope{
		Event:   scheduler.EventOpAdd,
		Payload: json.RawMessage(`{"repoFullName":""}`),
	}))

	msg := readEvent(t, conn)
	require.Equal(t, scheduler.EventMessage, msg.Event)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Empty(t, jobs.submitted)
}

// TestSocketDisconnectNotifiesScheduler unregisters the client and tells
// the scheduler.
func TestSocketDisconnectNotifiesScheduler(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	jobs := &fakeJobs{hub: hub}
	hub.SetJobs(jobs)

	conn := dialHub(t, hub)
	readEvent(t, conn)
	readEvent(t, conn)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.disconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, hub.Clients())
}

// TestBroadcastReachesEveryClient fans one event out to all connections.
func TestBroadcastReachesEveryClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	jobs := &fakeJobs{hub: hub}
	hub.SetJobs(jobs)

	first := dialHub(t, hub)
	readEvent(t, first)
	readEvent(t, first)
	second := dialHub(t, hub)
	readEvent(t, second)
	readEvent(t, second)
	readEvent(t, first) // status refresh caused by the second client

	hub.Broadcast(scheduler.EventMessage, "hello")
	for _, conn := range []*websocket.Conn{first, second} {
		msg := readEvent(t, conn)
		require.Equal(t, scheduler.EventMessage, msg.Event)
	}
}
