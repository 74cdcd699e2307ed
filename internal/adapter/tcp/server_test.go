package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubus-app/aubus-server/internal/adapter/inmem"
	"github.com/aubus-app/aubus-server/internal/adapter/rabbit"
	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/internal/service/auth"
	"github.com/aubus-app/aubus-server/internal/service/chat"
	"github.com/aubus-app/aubus-server/internal/service/matching"
	"github.com/aubus-app/aubus-server/internal/session"
	"github.com/aubus-app/aubus-server/pkg/logger"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	log := logger.InitLogger("test", logger.LevelError)
	store := inmem.NewStore()
	sessions := session.NewManager(log)

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	authSvc := auth.New(store, tokens, log)

	engine := matching.New(matching.Config{
		OfferTTL:        30 * time.Second,
		RequestTTL:      5 * time.Minute,
		SweepInterval:   time.Hour, // tests drive the engine directly
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
	}, store.Requests(), store.Trips(), store, store, sessions, rabbit.NoopPublisher{}, log)

	relay := chat.New(store.Chat(), engine, store.Trips(), sessions, log)
	router := NewRouter(authSvc, engine, relay, sessions, log)

	srv := NewServer(ServerConfig{
		Addr:        "127.0.0.1:0",
		IdleTimeout: 5 * time.Second,
	}, router, sessions, engine, log)

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// testClient speaks the wire protocol over a real socket, separating
// responses from pushes.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
	pushes  []protocol.Push
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)
	return &testClient{t: t, conn: conn, scanner: sc}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// request sends a command and blocks until its response arrives, queueing
// any pushes received in between.
func (c *testClient) request(command string, payload any) protocol.Response {
	c.t.Helper()
	c.nextID++
	correlationID := fmt.Sprintf("c-%d", c.nextID)

	req := protocol.Request{Command: command, CorrelationID: correlationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(c.t, err)
		req.Payload = raw
	}
	frame, err := protocol.EncodeRequest(req)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)

	for {
		line := c.readLine()
		var head struct {
			CorrelationID *string `json:"correlation_id"`
			Type          string  `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(line, &head))

		if head.CorrelationID == nil {
			var p protocol.Push
			require.NoError(c.t, json.Unmarshal(line, &p))
			c.pushes = append(c.pushes, p)
			continue
		}

		var resp protocol.Response
		require.NoError(c.t, json.Unmarshal(line, &resp))
		require.Equal(c.t, correlationID, resp.CorrelationID)
		return resp
	}
}

func (c *testClient) readLine() []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.True(c.t, c.scanner.Scan(), "expected a frame, got: %v", c.scanner.Err())
	line := make([]byte, len(c.scanner.Bytes()))
	copy(line, c.scanner.Bytes())
	return line
}

// waitPush returns the next queued or incoming push of the given type.
func (c *testClient) waitPush(pushType string) protocol.Push {
	c.t.Helper()
	for i, p := range c.pushes {
		if p.Type == pushType {
			c.pushes = append(c.pushes[:i], c.pushes[i+1:]...)
			return p
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line := c.readLine()
		var p struct {
			CorrelationID *string         `json:"correlation_id"`
			Type          string          `json:"type"`
			Data          json.RawMessage `json:"data"`
		}
		require.NoError(c.t, json.Unmarshal(line, &p))
		require.Nil(c.t, p.CorrelationID, "expected a push, got a response")
		if p.Type == pushType {
			return protocol.Push{Type: p.Type, Data: p.Data}
		}
		c.pushes = append(c.pushes, protocol.Push{Type: p.Type, Data: p.Data})
	}
	c.t.Fatalf("push %s never arrived", pushType)
	return protocol.Push{}
}

func (c *testClient) mustOk(command string, payload any) json.RawMessage {
	c.t.Helper()
	resp := c.request(command, payload)
	require.Equal(c.t, protocol.StatusOk, resp.Status, "command %s failed: %s %s", command, resp.ErrorKind, resp.Error)
	return resp.Result
}

func (c *testClient) registerAndLogin(email, role string) uuid.UUID {
	c.t.Helper()
	c.mustOk(protocol.CmdRegister, map[string]string{
		"email": email, "name": "user " + email, "password": "pass-123456", "role": role,
	})
	result := c.mustOk(protocol.CmdLogin, map[string]string{"email": email, "password": "pass-123456"})

	var login struct {
		User models.User `json:"user"`
	}
	require.NoError(c.t, json.Unmarshal(result, &login))
	return login.User.ID
}

func TestServer_FullRideFlow(t *testing.T) {
	srv := startTestServer(t)

	rider := dialClient(t, srv.Addr())
	driver := dialClient(t, srv.Addr())

	rider.registerAndLogin("rider@test.io", "RIDER")
	driverID := driver.registerAndLogin("driver@test.io", "DRIVER")

	driver.mustOk(protocol.CmdSetLocation, map[string]float64{"latitude": 51.0911, "longitude": 71.4010})
	driver.mustOk(protocol.CmdSetAvailability, map[string]bool{"available": true})

	var ride models.RideRequest
	result := rider.mustOk(protocol.CmdSubmitRideRequest, map[string]any{
		"pickup":      map[string]float64{"latitude": 51.0905, "longitude": 71.3980},
		"destination": map[string]float64{"latitude": 51.0225, "longitude": 71.4669},
	})
	require.NoError(t, json.Unmarshal(result, &ride))

	offer := driver.waitPush("ride_offer")
	var offerData struct {
		RequestID uuid.UUID `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(offer.Data, &offerData))
	assert.Equal(t, ride.ID, offerData.RequestID)

	var trip models.Trip
	result = driver.mustOk(protocol.CmdAcceptRide, map[string]any{"request_id": ride.ID})
	require.NoError(t, json.Unmarshal(result, &trip))
	assert.Equal(t, driverID, trip.DriverID)

	assigned := rider.waitPush("driver_assigned")
	var assignedData struct {
		TripID   uuid.UUID `json:"trip_id"`
		DriverID uuid.UUID `json:"driver_id"`
	}
	require.NoError(t, json.Unmarshal(assigned.Data, &assignedData))
	assert.Equal(t, trip.ID, assignedData.TripID)
	assert.Equal(t, driverID, assignedData.DriverID)

	// Chat both ways, keyed by the request id.
	rider.mustOk(protocol.CmdSendChat, map[string]any{"conversation_key": ride.ID, "body": "at the gate"})
	msgPush := driver.waitPush("chat_message")
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(msgPush.Data, &msg))
	assert.Equal(t, "at the gate", msg.Body)

	driver.mustOk(protocol.CmdSendChat, map[string]any{"conversation_key": ride.ID, "body": "two minutes"})
	rider.waitPush("chat_message")

	result = rider.mustOk(protocol.CmdFetchChat, map[string]any{"conversation_key": ride.ID})
	var history struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(result, &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "at the gate", history.Messages[0].Body)

	driver.mustOk(protocol.CmdCompleteTrip, map[string]any{"trip_id": trip.ID})
	rider.waitPush("trip_completed")

	rider.mustOk(protocol.CmdRateTrip, map[string]any{"trip_id": trip.ID, "rating": 5, "comment": "smooth"})

	// The conversation stays readable under the request key after the trip
	// is recorded.
	result = rider.mustOk(protocol.CmdFetchChat, map[string]any{"conversation_key": ride.ID})
	require.NoError(t, json.Unmarshal(result, &history))
	require.Len(t, history.Messages, 2)

	// Trip shows up in both histories.
	result = rider.mustOk(protocol.CmdListTrips, nil)
	var trips struct {
		Trips []models.Trip `json:"trips"`
	}
	require.NoError(t, json.Unmarshal(result, &trips))
	require.Len(t, trips.Trips, 1)
	assert.Equal(t, trip.ID, trips.Trips[0].ID)
}

func TestServer_UnauthenticatedGating(t *testing.T) {
	srv := startTestServer(t)
	client := dialClient(t, srv.Addr())

	client.mustOk(protocol.CmdPing, nil)

	resp := client.request(protocol.CmdSubmitRideRequest, map[string]any{
		"pickup":      map[string]float64{"latitude": 1, "longitude": 1},
		"destination": map[string]float64{"latitude": 2, "longitude": 2},
	})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.KindUnauthorized, resp.ErrorKind)
}

func TestServer_UnknownCommandKeepsConnection(t *testing.T) {
	srv := startTestServer(t)
	client := dialClient(t, srv.Addr())

	resp := client.request("teleport", nil)
	assert.Equal(t, protocol.KindUnknownCommand, resp.ErrorKind)

	// The connection is still usable.
	client.mustOk(protocol.CmdPing, nil)
}

func TestServer_MalformedFrameClosesConnection(t *testing.T) {
	srv := startTestServer(t)
	client := dialClient(t, srv.Addr())

	client.sendRaw("{not json")

	line := client.readLine()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, protocol.KindMalformedMessage, resp.ErrorKind)

	// Server closes this connection; subsequent reads hit EOF.
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	assert.False(t, client.scanner.Scan())

	// Other connections are unaffected.
	other := dialClient(t, srv.Addr())
	other.mustOk(protocol.CmdPing, nil)
}

func TestServer_SessionResume(t *testing.T) {
	srv := startTestServer(t)

	first := dialClient(t, srv.Addr())
	first.registerAndLogin("resume@test.io", "RIDER")

	result := first.mustOk(protocol.CmdLogin, map[string]string{"email": "resume@test.io", "password": "pass-123456"})
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(result, &login))

	second := dialClient(t, srv.Addr())
	second.mustOk(protocol.CmdResumeSession, map[string]string{"token": login.Token})
	second.mustOk(protocol.CmdFetchProfile, nil)
}

// brokenListener fails every accept with a persistent non-closed error.
type brokenListener struct{}

func (brokenListener) Accept() (net.Conn, error) { return nil, fmt.Errorf("accept: too many open files") }
func (brokenListener) Close() error              { return nil }
func (brokenListener) Addr() net.Addr            { return &net.TCPAddr{IP: net.IPv4zero, Port: 0} }

func TestServer_PersistentAcceptFailureIsFatal(t *testing.T) {
	log := logger.InitLogger("test", logger.LevelError)
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, nil, nil, nil, log)
	srv.listener = brokenListener{}

	go srv.acceptLoop(context.Background())

	select {
	case err := <-srv.Err():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "accept loop failed")
	case <-time.After(3 * time.Second):
		t.Fatal("persistent accept failure never surfaced")
	}
}

func TestServer_LogoutEndsAuthorization(t *testing.T) {
	srv := startTestServer(t)
	client := dialClient(t, srv.Addr())
	client.registerAndLogin("bye@test.io", "RIDER")

	client.mustOk(protocol.CmdLogout, nil)

	resp := client.request(protocol.CmdFetchProfile, nil)
	assert.Equal(t, protocol.KindUnauthorized, resp.ErrorKind)
}
