package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/repositories"
)

// liveSetupFrame is the setup message as the service receives it
type liveSetupFrame struct {
	Setup *struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	} `json:"setup"`
}

// liveInputFrame is a realtime input message as the service receives it
type liveInputFrame struct {
	RealtimeInput *struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type liveRequest struct {
	path string
	key  string
}

// liveServer is a scripted Gemini Live endpoint
type liveServer struct {
	t        *testing.T
	srv      *httptest.Server
	setup    chan liveSetupFrame
	inputs   chan liveInputFrame
	conns    chan *websocket.Conn
	requests chan liveRequest
}

func newLiveServer(t *testing.T) *liveServer {
	ls := &liveServer{
		t:        t,
		setup:    make(chan liveSetupFrame, 1),
		inputs:   make(chan liveInputFrame, 16),
		conns:    make(chan *websocket.Conn, 1),
		requests: make(chan liveRequest, 1),
	}
	upgrader := websocket.Upgrader{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ls.requests <- liveRequest{path: r.URL.Path, key: r.Header.Get("x-goog-api-key")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ls.conns <- conn

		first := true
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if first {
				var msg liveSetupFrame
				if err := json.Unmarshal(data, &msg); err == nil {
					ls.setup <- msg
				}
				first = false
				continue
			}
			var msg liveInputFrame
			if err := json.Unmarshal(data, &msg); err == nil {
				ls.inputs <- msg
			}
		}
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

// baseURL keeps the ws scheme so the SDK dials the plain test listener
func (ls *liveServer) baseURL() string {
	return "ws" + strings.TrimPrefix(ls.srv.URL, "http") + "/"
}

func (ls *liveServer) conn() *websocket.Conn {
	select {
	case c := <-ls.conns:
		return c
	case <-time.After(2 * time.Second):
		ls.t.Fatal("no connection")
		return nil
	}
}

type liveEvents struct {
	opened   chan struct{}
	messages chan repositories.LiveMessage
	errs     chan error
	closed   chan struct{}
}

func newLiveEvents() *liveEvents {
	return &liveEvents{
		opened:   make(chan struct{}, 1),
		messages: make(chan repositories.LiveMessage, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}, 1),
	}
}

func (e *liveEvents) callbacks() repositories.LiveCallbacks {
	return repositories.LiveCallbacks{
		OnOpen:    func() { e.opened <- struct{}{} },
		OnMessage: func(m repositories.LiveMessage) { e.messages <- m },
		OnError:   func(err error) { e.errs <- err },
		OnClose:   func() { e.closed <- struct{}{} },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func liveConfig() repositories.LiveConfig {
	return repositories.LiveConfig{
		Model:             DefaultLiveModel,
		SystemInstruction: VoicePersona,
		Voice:             DefaultVoice,
		Modality:          repositories.ModalityAudio,
	}
}

func TestGeminiLive_MissingKey(t *testing.T) {
	live := NewGeminiLive(GeminiLiveConfig{}, zap.NewNop())

	var configErr *domain.ConfigError
	require.True(t, errors.As(live.CheckCredentials(), &configErr))

	_, err := live.Connect(context.Background(), liveConfig(), repositories.LiveCallbacks{})
	require.True(t, errors.As(err, &configErr))
}

func TestGeminiLive_Session(t *testing.T) {
	ls := newLiveServer(t)
	live := NewGeminiLive(GeminiLiveConfig{APIKey: "secret", BaseURL: ls.baseURL()}, zap.NewNop())
	events := newLiveEvents()

	session, err := live.Connect(context.Background(), liveConfig(), events.callbacks())
	require.NoError(t, err)
	defer session.Close()

	req := waitFor(t, ls.requests)
	assert.Equal(t, "secret", req.key)
	assert.True(t, strings.HasSuffix(req.path, "GenerativeService.BidiGenerateContent"), req.path)
	server := ls.conn()

	setup := waitFor(t, ls.setup)
	require.NotNil(t, setup.Setup)
	assert.Equal(t, "models/"+DefaultLiveModel, setup.Setup.Model)
	assert.Equal(t, []string{"AUDIO"}, setup.Setup.GenerationConfig.ResponseModalities)
	assert.Equal(t, "Kore", setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	require.NotEmpty(t, setup.Setup.SystemInstruction.Parts)
	assert.Equal(t, VoicePersona, setup.Setup.SystemInstruction.Parts[0].Text)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))
	waitFor(t, events.opened)

	require.NoError(t, session.SendRealtimeInput(repositories.AudioFrame{Data: "AAA=", MIMEType: "audio/pcm;rate=16000"}))
	input := waitFor(t, ls.inputs)
	require.NotNil(t, input.RealtimeInput)
	require.Len(t, input.RealtimeInput.MediaChunks, 1)
	assert.Equal(t, "AAA=", input.RealtimeInput.MediaChunks[0].Data)
	assert.Equal(t, "audio/pcm;rate=16000", input.RealtimeInput.MediaChunks[0].MIMEType)

	// Binary frames carry JSON too.
	content := `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQI="}}]}}}`
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte(content)))
	assert.Equal(t, "AQI=", waitFor(t, events.messages).AudioChunk)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"interrupted":true}}`)))
	assert.True(t, waitFor(t, events.messages).Interrupted)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`)))
	assert.True(t, waitFor(t, events.messages).TurnComplete)
}

func TestGeminiLive_CloseReportsOnClose(t *testing.T) {
	ls := newLiveServer(t)
	live := NewGeminiLive(GeminiLiveConfig{APIKey: "k", BaseURL: ls.baseURL()}, zap.NewNop())
	events := newLiveEvents()

	session, err := live.Connect(context.Background(), liveConfig(), events.callbacks())
	require.NoError(t, err)
	ls.conn()

	require.NoError(t, session.Close())
	waitFor(t, events.closed)
	assert.NoError(t, session.Close())

	err = session.SendRealtimeInput(repositories.AudioFrame{Data: "AAA="})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestGeminiLive_AbnormalDropReportsOnError(t *testing.T) {
	ls := newLiveServer(t)
	live := NewGeminiLive(GeminiLiveConfig{APIKey: "k", BaseURL: ls.baseURL()}, zap.NewNop())
	events := newLiveEvents()

	session, err := live.Connect(context.Background(), liveConfig(), events.callbacks())
	require.NoError(t, err)
	defer session.Close()

	server := ls.conn()
	server.UnderlyingConn().Close()

	err = waitFor(t, events.errs)
	var streamErr *domain.StreamError
	assert.True(t, errors.As(err, &streamErr))
}

func TestGeminiLive_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	live := NewGeminiLive(GeminiLiveConfig{APIKey: "k", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, zap.NewNop())
	_, err := live.Connect(context.Background(), liveConfig(), repositories.LiveCallbacks{})

	var streamErr *domain.StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, "dial", streamErr.Op)
}

// stalledConn is a live connection whose writes never complete until it is
// closed, like a socket the service stopped reading
type stalledConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newStalledConn() *stalledConn {
	return &stalledConn{closed: make(chan struct{})}
}

func (c *stalledConn) SendRealtimeInput(genai.LiveRealtimeInput) error {
	<-c.closed
	return net.ErrClosed
}

func (c *stalledConn) Receive() (*genai.LiveServerMessage, error) {
	<-c.closed
	return nil, net.ErrClosed
}

func (c *stalledConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestGeminiLiveSession_StalledWriteDoesNotBlockSend(t *testing.T) {
	events := newLiveEvents()
	session := newGeminiLiveSession(newStalledConn(), events.callbacks(), zap.NewNop())

	frame := repositories.AudioFrame{Data: "AAA=", MIMEType: "audio/pcm;rate=16000"}
	sendsDone := make(chan error, 1)
	go func() {
		var last error
		for i := 0; i < liveSendQueue+2; i++ {
			if err := session.SendRealtimeInput(frame); err != nil {
				last = err
			}
		}
		sendsDone <- last
	}()

	err := waitFor(t, sendsDone)
	assert.ErrorIs(t, err, ErrSendQueueFull)

	closeDone := make(chan error, 1)
	go func() { closeDone <- session.Close() }()
	assert.NoError(t, waitFor(t, closeDone))
	waitFor(t, events.closed)

	assert.ErrorIs(t, session.SendRealtimeInput(frame), ErrSessionClosed)
}

func TestGeminiLiveSession_BadFrame(t *testing.T) {
	session := newGeminiLiveSession(newStalledConn(), repositories.LiveCallbacks{}, zap.NewNop())
	defer session.Close()

	err := session.SendRealtimeInput(repositories.AudioFrame{Data: "not base64!"})
	var streamErr *domain.StreamError
	assert.True(t, errors.As(err, &streamErr))
}

func TestLiveMessages_Flatten(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{0}}},
				{Text: "hi"},
				{InlineData: &genai.Blob{Data: []byte{1}}},
			}},
			Interrupted: true,
		},
	}

	got := liveMessages(msg)
	require.Len(t, got, 3)
	assert.Equal(t, "AA==", got[0].AudioChunk)
	assert.Equal(t, "AQ==", got[1].AudioChunk)
	assert.True(t, got[2].Interrupted)

	assert.Empty(t, liveMessages(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}))
}

func TestNewLiveConnectConfig(t *testing.T) {
	cfg := newLiveConnectConfig(repositories.LiveConfig{Model: DefaultLiveModel})
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, cfg.ResponseModalities)
	assert.Nil(t, cfg.SpeechConfig)
	assert.Nil(t, cfg.SystemInstruction)
}
