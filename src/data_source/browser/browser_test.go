package browser

import (
	"context"
	"testing"

	datasource "market-relay/src/data_source"
	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRequiresCredentials(t *testing.T) {
	s := NewSession(&models.MConfig{}, nil, logger.NewNop("browser"))

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, "configuration", helpers.ErrorCategory(err))

	// nothing was started
	assert.NoError(t, s.Stop())
}

func TestCheckCredentials(t *testing.T) {
	assert.Error(t, checkCredentials(models.MAccountConfig{UserName: "me"}))
	assert.NoError(t, checkCredentials(models.MAccountConfig{UserName: "me", Password: "secret"}))
	assert.NoError(t, checkCredentials(models.MAccountConfig{AllowEmptyCredentials: true}))
}

func TestSelectorDefaults(t *testing.T) {
	sel := selectors(models.MSelectorConfig{Submit: "#login"})
	assert.Equal(t, DefaultUserNameSelector, sel.UserName)
	assert.Equal(t, DefaultPasswordSelector, sel.Password)
	assert.Equal(t, "#login", sel.Submit)
	assert.Equal(t, DefaultStartTradingSelector, sel.StartTrading)
}

func TestListenerForwardsTextFrames(t *testing.T) {
	s := NewSession(&models.MConfig{}, nil, logger.NewNop("browser"))
	capture := datasource.NewCapture(2)
	listen := s.listener(capture)

	listen(&network.EventWebSocketFrameReceived{Response: &network.WebSocketFrame{Opcode: 1, PayloadData: `{"name":"tick-generated"}`}})
	listen(&network.EventWebSocketFrameSent{Response: &network.WebSocketFrame{Opcode: 1, PayloadData: `{"name":"sendMessage"}`}})
	listen(&network.EventWebSocketFrameReceived{Response: &network.WebSocketFrame{Opcode: 2, PayloadData: "AAEC"}})
	listen(&network.EventWebSocketClosed{})

	in := <-capture.Frames()
	assert.Equal(t, models.DirectionInbound, in.Direction)
	assert.Equal(t, `{"name":"tick-generated"}`, string(in.Payload))
	assert.False(t, in.CapturedAt.IsZero())

	out := <-capture.Frames()
	assert.Equal(t, models.DirectionOutbound, out.Direction)

	// buffer full: dropped, not blocked
	listen(&network.EventWebSocketFrameReceived{Response: &network.WebSocketFrame{Opcode: 1, PayloadData: "1"}})
	listen(&network.EventWebSocketFrameReceived{Response: &network.WebSocketFrame{Opcode: 1, PayloadData: "2"}})
	listen(&network.EventWebSocketFrameReceived{Response: &network.WebSocketFrame{Opcode: 1, PayloadData: "3"}})
	assert.Equal(t, int64(1), s.dropped.Load())
}

func TestAllocatorOptionsUseProxyManager(t *testing.T) {
	cfg := &models.MConfig{}
	plain := NewSession(cfg, nil, logger.NewNop("browser")).allocatorOptions()

	pm := helpers.NewProxyManager([]string{"10.0.0.1:3128"}, "relay-agent", logger.NewNop("proxy"))
	withProxy := NewSession(cfg, pm, logger.NewNop("browser")).allocatorOptions()

	assert.Len(t, withProxy, len(plain)+2)
}

func TestFrameBufferDefault(t *testing.T) {
	cfg := &models.MConfig{}
	assert.Equal(t, defaultFrameBuffer, NewSession(cfg, nil, logger.NewNop("b")).frameBuffer())
	cfg.Session.FrameBuffer = 10
	assert.Equal(t, 10, NewSession(cfg, nil, logger.NewNop("b")).frameBuffer())
}
